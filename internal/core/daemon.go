// Package core wires the machine cache, protocol engine, poll
// scheduler and follow registry into the daemon the transport layer
// talks to.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oscoin/radicle/internal/core/cache"
	"github.com/oscoin/radicle/internal/core/follows"
	"github.com/oscoin/radicle/internal/core/poller"
	"github.com/oscoin/radicle/internal/core/protocol"
	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/ports"
)

// Daemon materializes machines and participates in their replication,
// holding exactly one role per machine. Machines are cached on first
// access and never evicted; the follow registry lets the daemon resume
// its role set across restarts.
type Daemon struct {
	cache     *protocol.Cache
	engine    *protocol.Engine
	scheduler *poller.Scheduler
	registry  *follows.Registry

	config *domain.Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	// failedWriters holds machines this daemon owns that could not be
	// rehydrated at boot. They stay in the follow registry for the next
	// boot and are refused, rather than silently re-followed as
	// readers, in the meantime.
	failedMu      sync.Mutex
	failedWriters map[domain.MachineID]struct{}
}

func NewDaemon(config *domain.Config, store ports.MachineStore, pubsub ports.PubSub, eval ports.Evaluator) (*Daemon, error) {
	if config == nil {
		config = &domain.Config{}
	}
	if _, err := config.WithDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger.With("component", "daemon")

	c := cache.New[domain.MachineID, domain.CachedEntry]()
	engine := protocol.NewEngine(c, store, pubsub, eval, config)

	d := &Daemon{
		cache:         c,
		engine:        engine,
		scheduler:     poller.NewScheduler(c, engine, config),
		registry:      follows.NewRegistry(config.FollowPath(), config.Logger),
		config:        config,
		logger:        logger,
		failedWriters: map[domain.MachineID]struct{}{},
	}
	engine.OnMembershipChange(d.persistFollows)
	return d, nil
}

// Start replays the follow registry and launches the poll scheduler.
// Every followed machine is rehydrated on its own goroutine so one
// machine's startup failure never blocks the others: readers degrade
// to uninitialized entries retried on next access; writers that fail
// are logged, skipped and kept in the registry (see failedWriters).
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	followed, err := d.registry.Load()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for id, role := range followed {
		wg.Add(1)
		go func(id domain.MachineID, role domain.Role) {
			defer wg.Done()
			d.replayMachine(ctx, id, role)
		}(id, role)
	}
	wg.Wait()

	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	d.logger.Info("daemon started", "followed", len(followed), "cached", d.cache.Len())
	return nil
}

func (d *Daemon) replayMachine(ctx context.Context, id domain.MachineID, role domain.Role) {
	switch role {
	case domain.RoleWriter:
		if err := d.engine.InitWriter(ctx, id); err != nil {
			d.failedMu.Lock()
			d.failedWriters[id] = struct{}{}
			d.failedMu.Unlock()
			d.logger.Error("writer machine replay failed, skipping", "machine", id, "error", err)
		}
	default:
		if _, err := d.engine.EnsureReader(ctx, id); err != nil {
			// Already degraded to an uninitialized reader; it stays in
			// the follow set and is retried lazily.
			d.logger.Warn("reader machine replay failed, will retry on access", "machine", id, "error", err)
		}
	}
}

// Stop halts the scheduler and detaches every machine's subscription.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return domain.ErrNotStarted
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	if err := d.scheduler.Stop(); err != nil {
		d.logger.Warn("scheduler stop", "error", err)
	}

	for id, entry := range d.cache.Snapshot() {
		if p, ok := entry.(domain.Present); ok && p.Machine.Sub != nil {
			if err := p.Machine.Sub.Close(); err != nil {
				d.logger.Warn("subscription close failed", "machine", id, "error", err)
			}
		}
	}

	d.logger.Info("daemon stopped")
	return nil
}

// Create allocates a new machine with this daemon as its writer.
func (d *Daemon) Create(ctx context.Context) (domain.MachineID, error) {
	return d.engine.CreateWriter(ctx)
}

// Query evaluates an expression against the machine's current state
// without persisting anything.
func (d *Daemon) Query(ctx context.Context, id domain.MachineID, expression domain.Value) (domain.Value, error) {
	if err := d.checkFailedWriter(id); err != nil {
		return nil, err
	}
	return d.engine.Query(ctx, id, expression)
}

// Send applies a batch of expressions to the machine, directly when
// this daemon is the writer and through a Submit/Applied round trip
// when it is a reader.
func (d *Daemon) Send(ctx context.Context, id domain.MachineID, expressions []domain.Value) ([]domain.Value, error) {
	if err := d.checkFailedWriter(id); err != nil {
		return nil, err
	}
	return d.engine.Send(ctx, id, expressions)
}

// MachineRole reports the daemon's role for a cached machine.
func (d *Daemon) MachineRole(id domain.MachineID) (domain.Role, bool) {
	entry, ok := d.cache.Lookup(id)
	if !ok {
		return "", false
	}
	return entry.EntryRole(), true
}

// checkFailedWriter refuses access to machines this daemon owns but
// failed to rehydrate; following them as a reader would contest the
// externally assigned writer role.
func (d *Daemon) checkFailedWriter(id domain.MachineID) error {
	d.failedMu.Lock()
	_, failed := d.failedWriters[id]
	d.failedMu.Unlock()
	if failed {
		return fmt.Errorf("%w: %s failed boot replay", domain.ErrWriterUnavailable, id)
	}
	return nil
}

// persistFollows rewrites the registry from a fresh cache snapshot.
// Uninitialized readers count as readers; writers that failed boot
// replay are carried forward so the next boot retries them. Runs under
// the registry's own lock, never inside a machine slot lock.
func (d *Daemon) persistFollows() {
	snapshot := d.cache.Snapshot()

	projected := make(map[domain.MachineID]domain.Role, len(snapshot))
	for id, entry := range snapshot {
		projected[id] = entry.EntryRole()
	}

	d.failedMu.Lock()
	for id := range d.failedWriters {
		projected[id] = domain.RoleWriter
	}
	d.failedMu.Unlock()

	if err := d.registry.Write(projected); err != nil {
		d.logger.Error("follow registry rewrite failed", "error", err)
	}
}
