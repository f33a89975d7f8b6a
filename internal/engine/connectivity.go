package engine

import (
	"context"
	"sync"
	"time"
)

// Signal is the connectivity observable the orchestrator subscribes to.
// The engine triggers a pass when the device transitions offline→online.
type Signal interface {
	// Online reports current connectivity.
	Online() bool
	// Changes emits the new state on every transition. Implementations
	// must not block on a slow receiver.
	Changes() <-chan bool
}

// alwaysOnline is the nil-Signal fallback for one-shot CLI invocations.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool         { return true }
func (alwaysOnline) Changes() <-chan bool { return nil }

// ManualSignal is a connectivity signal driven by explicit Set calls.
// The host application flips it from its own network monitoring.
type ManualSignal struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

// NewManualSignal returns a signal starting in the given state.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online, ch: make(chan bool, 4)}
}

// Online implements Signal.
func (s *ManualSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Changes implements Signal.
func (s *ManualSignal) Changes() <-chan bool {
	return s.ch
}

// Set updates the state, emitting a change event on transitions.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.ch <- online:
	default:
	}
}

// ProbeSignal derives connectivity by polling a reachability probe, e.g. the
// server's /health endpoint. Used by the daemon when the host platform has
// no native connectivity callback.
type ProbeSignal struct {
	probe    func(ctx context.Context) error
	interval time.Duration

	manual *ManualSignal
}

// NewProbeSignal creates a probe-driven signal. The probe should return nil
// when the server is reachable. Run must be started for the state to track
// reality; until then the signal reports offline.
func NewProbeSignal(probe func(ctx context.Context) error, interval time.Duration) *ProbeSignal {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ProbeSignal{
		probe:    probe,
		interval: interval,
		manual:   NewManualSignal(false),
	}
}

// Online implements Signal.
func (s *ProbeSignal) Online() bool { return s.manual.Online() }

// Changes implements Signal.
func (s *ProbeSignal) Changes() <-chan bool { return s.manual.Changes() }

// Run polls until ctx is cancelled. An immediate probe runs before the
// first tick so the daemon doesn't start blind.
func (s *ProbeSignal) Run(ctx context.Context) {
	s.poll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *ProbeSignal) poll(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.manual.Set(s.probe(probeCtx) == nil)
}
