package intake

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DropWatcher watches a drop directory for new CSV files and triggers
// ingestion callbacks.
type DropWatcher struct {
	dropDir       string
	watcher       *fsnotify.Watcher
	onCSV         func([]string) // Callback with new CSV paths
	debounceTime  time.Duration
	mu            sync.Mutex
	pendingEvents map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewDropWatcher creates a watcher over a single drop directory.
func NewDropWatcher(dropDir string) (*DropWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	dw := &DropWatcher{
		dropDir:       dropDir,
		watcher:       watcher,
		debounceTime:  500 * time.Millisecond, // Debounce events by 500ms
		pendingEvents: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	return dw, nil
}

// OnCSV sets the callback for new or updated CSV files.
// The callback receives absolute paths.
func (dw *DropWatcher) OnCSV(callback func([]string)) {
	dw.onCSV = callback
}

// Start begins watching the drop directory.
func (dw *DropWatcher) Start() error {
	if err := dw.watcher.Add(dw.dropDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dw.dropDir, err)
	}

	dw.wg.Add(2)
	go dw.eventLoop()
	go dw.debounceLoop()

	log.Printf("👀 Watching %s for CSV drops", dw.dropDir)
	return nil
}

// Stop stops the watcher.
func (dw *DropWatcher) Stop() error {
	dw.cancel()
	dw.wg.Wait()
	return dw.watcher.Close()
}

// eventLoop processes filesystem events.
func (dw *DropWatcher) eventLoop() {
	defer dw.wg.Done()

	for {
		select {
		case <-dw.ctx.Done():
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handleEvent(event)

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

// handleEvent queues a single filesystem event.
func (dw *DropWatcher) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(event.Name), ".csv") {
		return
	}

	// Only care about files appearing or being written
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		dw.mu.Lock()
		dw.pendingEvents[event.Name] = true
		dw.mu.Unlock()
	}
}

// debounceLoop collects pending events and triggers the callback after the
// debounce period. Editors and uploads tend to write CSVs in several chunks.
func (dw *DropWatcher) debounceLoop() {
	defer dw.wg.Done()

	ticker := time.NewTicker(dw.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-dw.ctx.Done():
			return

		case <-ticker.C:
			dw.processPendingEvents()
		}
	}
}

// processPendingEvents fires the callback for all queued CSV paths.
func (dw *DropWatcher) processPendingEvents() {
	dw.mu.Lock()
	if len(dw.pendingEvents) == 0 {
		dw.mu.Unlock()
		return
	}

	paths := make([]string, 0, len(dw.pendingEvents))
	for path := range dw.pendingEvents {
		paths = append(paths, path)
	}
	dw.pendingEvents = make(map[string]bool)
	dw.mu.Unlock()

	if dw.onCSV != nil {
		log.Printf("📝 Detected %d new CSV file(s)", len(paths))
		dw.onCSV(paths)
	}
}
