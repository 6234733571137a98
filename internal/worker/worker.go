// Package worker defines the isolated compute unit contract: one dispatch,
// exactly one reply, fault isolation between the orchestrator and the
// computation, and a tagged request/response protocol per pipeline stage.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageType identifies one pipeline stage.
type StageType string

const (
	StageCSVParser        StageType = "csvParser"
	StageOpinionProcessor StageType = "opinionProcessor"
	StageEmbedding        StageType = "embedding"
	StageUMAP             StageType = "umap"
	StageClustering       StageType = "clustering"
)

// Payload is the closed union of stage inputs. Each variant belongs to
// exactly one stage; Stage() reports which.
type Payload interface {
	Stage() StageType
}

// Result is the closed union of stage outputs.
type Result interface {
	Stage() StageType
}

// Request carries one unit of work to an isolated compute unit.
type Request struct {
	Stage     StageType
	PayloadID string // correlation id; generated when empty
	Payload   Payload
}

// Response is the single reply for a dispatch. Exactly one of Result and
// Err is set.
type Response struct {
	Stage     StageType
	PayloadID string
	Result    Result
	Err       *StageError
}

// ErrorKind classifies a stage error.
type ErrorKind string

const (
	// ErrKindInput marks invalid input rejected before dispatch.
	ErrKindInput ErrorKind = "input"
	// ErrKindStage marks a failure inside the compute unit.
	ErrKindStage ErrorKind = "stage"
	// ErrKindContract marks a protocol violation (wrong stage tag or
	// correlation id on a reply). This is a defect, not a data error.
	ErrKindContract ErrorKind = "contract"
	// ErrKindTimeout marks a dispatch that exceeded its bounded wait.
	ErrKindTimeout ErrorKind = "timeout"
)

// StageError is the structured error carried by a Response.
type StageError struct {
	Kind    ErrorKind
	Message string
	Detail  string // optional diagnostic detail (e.g. stack trace)
}

func (e *StageError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StageFunc runs one unit of work for a stage.
type StageFunc func(ctx context.Context, p Payload) (Result, error)

// DefaultDispatchTimeout bounds how long a dispatch may wait for its reply.
const DefaultDispatchTimeout = 2 * time.Minute

// Runtime dispatches requests to single-use compute units. Every dispatch
// runs the registered stage function in a fresh goroutine; a unit is never
// reused across dispatches, so a crashed or hung unit cannot affect the
// next invocation.
type Runtime struct {
	mu      sync.RWMutex
	stages  map[StageType]StageFunc
	timeout time.Duration
}

// NewRuntime creates a runtime with the given dispatch timeout.
// A non-positive timeout falls back to DefaultDispatchTimeout.
func NewRuntime(timeout time.Duration) *Runtime {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &Runtime{
		stages:  make(map[StageType]StageFunc),
		timeout: timeout,
	}
}

// Register installs the compute function for a stage, replacing any
// previous registration.
func (r *Runtime) Register(stage StageType, fn StageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage] = fn
}

// Dispatch runs one request and returns its single reply.
//
// Invalid input (nil payload, payload tagged for a different stage, no unit
// registered) is rejected synchronously without spawning a unit. A reply
// whose stage tag does not match the request is surfaced as a contract
// error and never returned as a result. If the unit does not reply within
// the runtime's timeout the dispatch fails with a timeout error and any
// late reply is dropped.
func (r *Runtime) Dispatch(ctx context.Context, req Request) Response {
	id := req.PayloadID
	if id == "" {
		id = uuid.NewString()
	}

	if req.Payload == nil {
		return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
			Kind:    ErrKindInput,
			Message: "empty payload",
		}}
	}
	if req.Payload.Stage() != req.Stage {
		return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
			Kind:    ErrKindContract,
			Message: fmt.Sprintf("payload tagged %q does not match stage %q", req.Payload.Stage(), req.Stage),
		}}
	}

	r.mu.RLock()
	fn, ok := r.stages[req.Stage]
	r.mu.RUnlock()
	if !ok {
		return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
			Kind:    ErrKindInput,
			Message: fmt.Sprintf("no compute unit registered for stage %q", req.Stage),
		}}
	}

	// Buffered so a late reply after timeout never blocks the abandoned
	// unit; the reply is simply dropped with the channel.
	replies := make(chan Response, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				replies <- Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
					Kind:    ErrKindStage,
					Message: fmt.Sprintf("compute unit panicked: %v", rec),
					Detail:  string(debug.Stack()),
				}}
			}
		}()

		result, err := fn(ctx, req.Payload)
		if err != nil {
			replies <- Response{Stage: req.Stage, PayloadID: id, Err: asStageError(err)}
			return
		}
		if result == nil {
			replies <- Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
				Kind:    ErrKindStage,
				Message: "compute unit returned no result",
			}}
			return
		}
		replies <- Response{Stage: result.Stage(), PayloadID: id, Result: result}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-replies:
		if resp.Err == nil && resp.Stage != req.Stage {
			return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
				Kind:    ErrKindContract,
				Message: fmt.Sprintf("reply tagged %q for dispatch of stage %q", resp.Stage, req.Stage),
			}}
		}
		if resp.PayloadID != id {
			return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
				Kind:    ErrKindContract,
				Message: fmt.Sprintf("reply correlation id %q does not match dispatch %q", resp.PayloadID, id),
			}}
		}
		return resp

	case <-ctx.Done():
		return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
			Kind:    ErrKindTimeout,
			Message: fmt.Sprintf("dispatch canceled: %v", ctx.Err()),
		}}

	case <-timer.C:
		return Response{Stage: req.Stage, PayloadID: id, Err: &StageError{
			Kind:    ErrKindTimeout,
			Message: fmt.Sprintf("no reply within %v", r.timeout),
		}}
	}
}

// asStageError preserves StageError kinds raised inside a unit and wraps
// everything else as a plain stage failure.
func asStageError(err error) *StageError {
	if se, ok := err.(*StageError); ok {
		return se
	}
	return &StageError{Kind: ErrKindStage, Message: err.Error()}
}
