// Package poller periodically refreshes reader machines, burning down
// each machine's high-frequency budget until it settles into slow
// polling.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oscoin/radicle/internal/core/cache"
	"github.com/oscoin/radicle/internal/domain"
)

// Refresher is the slice of the protocol engine the scheduler needs.
type Refresher interface {
	RefreshState(ctx context.Context, m domain.MachineState) (domain.MachineState, error)
}

// Scheduler is the singleton polling task. Each tick it snapshots the
// cache and walks the reader machines; writers and uninitialized
// readers are never polled. A failing refresh is logged and the tick
// moves on; one broken machine never stalls the rest.
type Scheduler struct {
	cache     *cache.Cache[domain.MachineID, domain.CachedEntry]
	refresher Refresher

	interval  time.Duration
	lowPeriod time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewScheduler(c *cache.Cache[domain.MachineID, domain.CachedEntry], refresher Refresher, cfg *domain.Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cache:     c,
		refresher: refresher,
		interval:  cfg.PollInterval,
		lowPeriod: cfg.LowFreqPeriod,
		logger:    logger.With("component", "poll-scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return domain.ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx)
	s.logger.Debug("poll scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return domain.ErrNotStarted
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	<-done
	s.logger.Debug("poll scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.Sub(last))
			last = now
		}
	}
}

// Tick runs one scheduler pass with the given elapsed time since the
// previous pass.
func (s *Scheduler) Tick(ctx context.Context, elapsed time.Duration) {
	for id, entry := range s.cache.Snapshot() {
		present, ok := entry.(domain.Present)
		if !ok || present.Machine.Role != domain.RoleReader {
			continue
		}
		if err := s.pollMachine(ctx, id, elapsed); err != nil {
			s.logger.Warn("poll refresh failed", "machine", id, "error", err)
		}
	}
}

// pollMachine decays the machine's polling state and refreshes it when
// the state says so, all under the machine's slot lock so the decayed
// budget and the refresh outcome land atomically.
func (s *Scheduler) pollMachine(ctx context.Context, id domain.MachineID, elapsed time.Duration) error {
	var refreshErr error
	err := s.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
		p, ok := cur.(domain.Present)
		if !ok || p.Machine.Role != domain.RoleReader {
			return cur, nil
		}
		m := p.Machine

		polling, refresh := m.Polling.Decay(elapsed, time.Since(m.LastUpdated), s.lowPeriod)
		m.Polling = polling
		if !refresh {
			return domain.Present{Machine: m}, nil
		}

		refreshed, err := s.refresher.RefreshState(ctx, m)
		if err != nil {
			// The decayed polling state still lands; the entry stays.
			refreshErr = err
			return domain.Present{Machine: m}, nil
		}
		return domain.Present{Machine: refreshed}, nil
	})
	if err != nil {
		return err
	}
	return refreshErr
}
