// Package spool ingests mutation files dropped by the field app.
//
// The app writes each local mutation as a small JSON file into a spool
// directory; the watcher picks the files up, enqueues them through the
// engine, and moves them to a processed/ subdirectory so a crash mid-intake
// never loses or duplicates a mutation.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jermoo/apis/apis-client/internal/engine"
	"github.com/jermoo/apis/apis-client/internal/record"
)

// Config holds spool watcher settings.
type Config struct {
	// Dir is the spool directory to watch for mutation files.
	Dir string

	// DebounceInterval is how long to wait before processing file changes.
	// This batches rapid writes together and avoids reading half-written
	// files.
	DebounceInterval time.Duration
}

// DefaultDebounce is used when Config.DebounceInterval is zero.
const DefaultDebounce = 200 * time.Millisecond

// processedDir is where consumed mutation files are moved, relative to
// the spool directory.
const processedDir = "processed"

// rejectedDir is where unreadable or invalid mutation files are moved.
const rejectedDir = "rejected"

// Watcher tails a spool directory and feeds mutations into the engine.
type Watcher struct {
	eng    *engine.Engine
	cfg    Config
	logger zerolog.Logger

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // filepath -> queued at
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over cfg.Dir. The directory and its
// processed/ and rejected/ subdirectories are created if missing.
func NewWatcher(eng *engine.Engine, cfg Config, logger zerolog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory not configured")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultDebounce
	}

	for _, sub := range []string{"", processedDir, rejectedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		eng:         eng,
		cfg:         cfg,
		logger:      logger,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start drains any files already in the spool, then begins watching for
// new ones.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.cfg.Dir, err)
	}

	// Files written while the daemon was down.
	if n, err := w.DrainOnce(w.ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Initial spool drain failed")
	} else if n > 0 {
		w.logger.Info().Int("files", n).Msg("Drained spool backlog")
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.wg.Add(1)
	go w.debounceLoop()

	return nil
}

// Stop stops watching and waits for in-flight processing to finish.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()
	return nil
}

// DrainOnce processes every mutation file currently in the spool
// directory. It returns the number of files consumed.
func (w *Watcher) DrainOnce(ctx context.Context) (int, error) {
	muts, paths, err := record.ReadAllMutationFiles(w.cfg.Dir)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i, mut := range muts {
		if err := w.ingest(ctx, mut, paths[i]); err != nil {
			w.logger.Error().Err(err).Str("file", filepath.Base(paths[i])).Msg("Failed to ingest mutation")
			w.reject(paths[i])
			continue
		}
		processed++
	}
	return processed, nil
}

// eventLoop converts fsnotify events into debounced change-queue entries.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}

			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Spool watcher error")
		}
	}
}

// relevant reports whether an event refers to a top-level mutation file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return false
	}
	if !strings.HasSuffix(event.Name, ".json") {
		return false
	}
	// Moves into processed/ or rejected/ also raise events; ignore them.
	return filepath.Dir(event.Name) == filepath.Clean(w.cfg.Dir)
}

// debounceLoop periodically processes files that have been quiet long
// enough.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.cfg.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	// Filenames embed the capture timestamp, so name order is capture
	// order. A create and its dependent update picked up in the same
	// window must be ingested in that order.
	sort.Strings(ready)

	for _, path := range ready {
		w.processFile(path)
	}
}

func (w *Watcher) processFile(path string) {
	mut, err := record.ReadMutationFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Unreadable mutation file")
		w.reject(path)
		return
	}

	if err := w.ingest(w.ctx, mut, path); err != nil {
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Failed to ingest mutation")
		w.reject(path)
	}
}

// ingest enqueues one mutation and archives its file.
func (w *Watcher) ingest(ctx context.Context, mut *record.MutationFile, path string) error {
	if err := mut.Validate(); err != nil {
		return err
	}

	localID, err := w.eng.Enqueue(ctx, mut.Table, mut.Action, mut.Payload)
	if err != nil {
		return err
	}

	w.logger.Debug().
		Str("table", mut.Table).
		Str("action", string(mut.Action)).
		Str("local_id", localID).
		Msg("Spooled mutation enqueued")

	return w.archive(path, processedDir)
}

func (w *Watcher) reject(path string) {
	if err := w.archive(path, rejectedDir); err != nil {
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Failed to move rejected file")
	}
}

func (w *Watcher) archive(path, sub string) error {
	dst := filepath.Join(w.cfg.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("failed to archive %s: %w", filepath.Base(path), err)
	}
	return nil
}
