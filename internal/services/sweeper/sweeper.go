// Package sweeper drives the acceptance engine on a schedule. Each pass asks
// the engine to check every pending acceptance; a pass can also be forced
// through Trigger (the authenticated HTTP endpoint uses that).
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CuraFleet/dispatch/internal/services/acceptance"
)

type Engine interface {
	CheckPendingAcceptances(ctx context.Context) ([]acceptance.EscalationResult, error)
}

type Sweeper struct {
	engine Engine

	sweepInterval time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalPasses         atomic.Int64
	totalChecked        atomic.Int64
	totalEscalated      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(engine Engine) *Sweeper {
	return &Sweeper{
		engine:            engine,
		sweepInterval:     time.Minute,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		s.sweepInterval = interval
	}
	return s
}

// Trigger forces an immediate sweep pass (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastSweepAt    *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalPasses    int64      `json:"totalPasses"`
	TotalChecked   int64      `json:"totalChecked"`
	TotalEscalated int64      `json:"totalEscalated"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalPasses:    s.totalPasses.Load(),
		TotalChecked:   s.totalChecked.Load(),
		TotalEscalated: s.totalEscalated.Load(),
		TotalErrors:    s.totalErrors.Load(),
	}
	if n := s.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.RunOnce(ctx)
		case <-s.triggerCh:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single sweep pass and returns the escalations decided in
// it. Failures are recorded in Stats; the next tick retries anyway.
func (s *Sweeper) RunOnce(ctx context.Context) []acceptance.EscalationResult {
	s.lastSweepUnixNano.Store(time.Now().UTC().UnixNano())
	s.totalPasses.Add(1)

	results, err := s.engine.CheckPendingAcceptances(ctx)
	if err != nil {
		slog.Error("check pending acceptances", "error", err.Error())
		s.totalErrors.Add(1)
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		return nil
	}

	s.totalChecked.Add(int64(len(results)))
	for _, r := range results {
		if r.Escalated {
			s.totalEscalated.Add(1)
		}
	}
	return results
}
