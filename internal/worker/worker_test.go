package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type testPayload struct {
	stage StageType
	value int
}

func (p testPayload) Stage() StageType { return p.stage }

type testResult struct {
	stage StageType
	value int
}

func (r testResult) Stage() StageType { return r.stage }

func TestDispatchSuccess(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageCSVParser, func(_ context.Context, p Payload) (Result, error) {
		in := p.(testPayload)
		return testResult{stage: StageCSVParser, value: in.value * 2}, nil
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:     StageCSVParser,
		PayloadID: "req-1",
		Payload:   testPayload{stage: StageCSVParser, value: 21},
	})

	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if resp.PayloadID != "req-1" {
		t.Errorf("expected payload id req-1, got %q", resp.PayloadID)
	}
	out := resp.Result.(testResult)
	if out.value != 42 {
		t.Errorf("expected 42, got %d", out.value)
	}
}

func TestDispatchGeneratesPayloadID(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageCSVParser, func(_ context.Context, p Payload) (Result, error) {
		return testResult{stage: StageCSVParser}, nil
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageCSVParser,
		Payload: testPayload{stage: StageCSVParser},
	})

	if resp.Err != nil {
		t.Fatalf("unexpected error: %v", resp.Err)
	}
	if resp.PayloadID == "" {
		t.Error("expected a generated payload id")
	}
}

func TestDispatchEmptyPayload(t *testing.T) {
	rt := NewRuntime(time.Second)

	resp := rt.Dispatch(context.Background(), Request{Stage: StageCSVParser})

	if resp.Err == nil {
		t.Fatal("expected an error for nil payload")
	}
	if resp.Err.Kind != ErrKindInput {
		t.Errorf("expected input error, got %s", resp.Err.Kind)
	}
}

func TestDispatchMismatchedPayloadTag(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageCSVParser, func(_ context.Context, p Payload) (Result, error) {
		return testResult{stage: StageCSVParser}, nil
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageCSVParser,
		Payload: testPayload{stage: StageEmbedding},
	})

	if resp.Err == nil {
		t.Fatal("expected an error for mismatched payload tag")
	}
	if resp.Err.Kind != ErrKindContract {
		t.Errorf("expected contract error, got %s", resp.Err.Kind)
	}
}

func TestDispatchUnregisteredStage(t *testing.T) {
	rt := NewRuntime(time.Second)

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageUMAP,
		Payload: testPayload{stage: StageUMAP},
	})

	if resp.Err == nil {
		t.Fatal("expected an error for unregistered stage")
	}
	if resp.Err.Kind != ErrKindInput {
		t.Errorf("expected input error, got %s", resp.Err.Kind)
	}
}

func TestDispatchStageFailure(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageEmbedding, func(_ context.Context, p Payload) (Result, error) {
		return nil, errors.New("model unavailable")
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageEmbedding,
		Payload: testPayload{stage: StageEmbedding},
	})

	if resp.Err == nil {
		t.Fatal("expected a stage error")
	}
	if resp.Err.Kind != ErrKindStage {
		t.Errorf("expected stage error, got %s", resp.Err.Kind)
	}
	if resp.Err.Message != "model unavailable" {
		t.Errorf("unexpected message: %q", resp.Err.Message)
	}
}

func TestDispatchPreservesStageErrorKind(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageEmbedding, func(_ context.Context, p Payload) (Result, error) {
		return nil, &StageError{Kind: ErrKindInput, Message: "no texts"}
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageEmbedding,
		Payload: testPayload{stage: StageEmbedding},
	})

	if resp.Err == nil {
		t.Fatal("expected an error")
	}
	if resp.Err.Kind != ErrKindInput {
		t.Errorf("expected input kind to survive, got %s", resp.Err.Kind)
	}
}

func TestDispatchPanicIsolation(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageClustering, func(_ context.Context, p Payload) (Result, error) {
		panic("boom")
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageClustering,
		Payload: testPayload{stage: StageClustering},
	})

	if resp.Err == nil {
		t.Fatal("expected a panic to surface as an error")
	}
	if resp.Err.Kind != ErrKindStage {
		t.Errorf("expected stage error, got %s", resp.Err.Kind)
	}
	if !strings.Contains(resp.Err.Message, "boom") {
		t.Errorf("expected panic value in message, got %q", resp.Err.Message)
	}
	if resp.Err.Detail == "" {
		t.Error("expected a stack trace in the error detail")
	}

	// The runtime must survive a crashed unit
	rt.Register(StageClustering, func(_ context.Context, p Payload) (Result, error) {
		return testResult{stage: StageClustering}, nil
	})
	resp = rt.Dispatch(context.Background(), Request{
		Stage:   StageClustering,
		Payload: testPayload{stage: StageClustering},
	})
	if resp.Err != nil {
		t.Fatalf("runtime unusable after panic: %v", resp.Err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	rt := NewRuntime(50 * time.Millisecond)
	rt.Register(StageUMAP, func(ctx context.Context, p Payload) (Result, error) {
		time.Sleep(time.Second)
		return testResult{stage: StageUMAP}, nil
	})

	start := time.Now()
	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageUMAP,
		Payload: testPayload{stage: StageUMAP},
	})

	if resp.Err == nil {
		t.Fatal("expected a timeout error")
	}
	if resp.Err.Kind != ErrKindTimeout {
		t.Errorf("expected timeout error, got %s", resp.Err.Kind)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("dispatch did not return promptly: %v", elapsed)
	}
}

func TestDispatchContextCancellation(t *testing.T) {
	rt := NewRuntime(time.Minute)
	rt.Register(StageUMAP, func(ctx context.Context, p Payload) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp := rt.Dispatch(ctx, Request{
		Stage:   StageUMAP,
		Payload: testPayload{stage: StageUMAP},
	})

	if resp.Err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if resp.Err.Kind != ErrKindTimeout {
		t.Errorf("expected timeout kind for cancellation, got %s", resp.Err.Kind)
	}
}

func TestDispatchMismatchedReplyTag(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageCSVParser, func(_ context.Context, p Payload) (Result, error) {
		// A defective unit replying with the wrong stage tag
		return testResult{stage: StageEmbedding}, nil
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageCSVParser,
		Payload: testPayload{stage: StageCSVParser},
	})

	if resp.Err == nil {
		t.Fatal("expected a contract error")
	}
	if resp.Err.Kind != ErrKindContract {
		t.Errorf("expected contract error, got %s", resp.Err.Kind)
	}
	if resp.Result != nil {
		t.Error("a mismatched reply must never surface as a result")
	}
}

func TestDispatchNilResult(t *testing.T) {
	rt := NewRuntime(time.Second)
	rt.Register(StageCSVParser, func(_ context.Context, p Payload) (Result, error) {
		return nil, nil
	})

	resp := rt.Dispatch(context.Background(), Request{
		Stage:   StageCSVParser,
		Payload: testPayload{stage: StageCSVParser},
	})

	if resp.Err == nil {
		t.Fatal("expected an error for a nil result")
	}
	if resp.Err.Kind != ErrKindStage {
		t.Errorf("expected stage error, got %s", resp.Err.Kind)
	}
}
