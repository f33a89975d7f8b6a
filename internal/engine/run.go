package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jermoo/apis/apis-client/internal/record"
)

// Run drives the engine's background triggers until ctx is cancelled:
//
//  1. A pass when the device transitions offline→online.
//  2. A periodic pass while online (SyncInterval).
//  3. An eviction sweep over synced, untouched records (EvictAfter).
//
// A pass that is already running is never interrupted and never doubled;
// triggers that land mid-pass are dropped, the periodic timer catches up.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Dur("sync_interval", e.cfg.SyncInterval).
		Msg("Sync engine started")

	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	var evictCh <-chan time.Time
	if e.cfg.EvictAfter > 0 {
		evictTicker := time.NewTicker(e.cfg.EvictAfter / 4)
		defer evictTicker.Stop()
		evictCh = evictTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Sync engine stopping")
			e.wg.Wait()
			return ctx.Err()

		case online, ok := <-e.signal.Changes():
			if !ok {
				continue
			}
			if online {
				e.logger.Info().Msg("Connectivity regained, triggering sync")
				e.TriggerSync(ctx)
			} else {
				e.logger.Info().Msg("Connectivity lost")
				e.notify(ctx)
			}

		case <-ticker.C:
			if e.signal.Online() {
				e.TriggerSync(ctx)
			}

		case <-evictCh:
			e.evictSweep(ctx)
		}
	}
}

// TriggerSync starts a pass in the background if none is running.
// Returns false (with the reason logged) when the pass did not start.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		e.logger.Debug().Msg("Sync trigger ignored, pass already running")
		return false
	}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Sync(context.WithoutCancel(ctx)); err != nil &&
			!errors.Is(err, ErrSyncInProgress) {
			e.logger.Warn().Err(err).Msg("Background sync pass failed")
		}
	}()
	return true
}

// evictSweep removes synced records untouched longer than EvictAfter.
// Pending records are never candidates.
func (e *Engine) evictSweep(ctx context.Context) {
	cutoff := e.now().Add(-e.cfg.EvictAfter)

	for _, t := range record.Tables() {
		n, err := e.store.EvictStale(ctx, t.Name, cutoff)
		if err != nil {
			e.logger.Warn().Err(err).Str("table", t.Name).Msg("Eviction sweep failed")
			continue
		}
		if n > 0 {
			e.logger.Info().Str("table", t.Name).Int64("evicted", n).Msg("Evicted stale records")
		}
	}
}
