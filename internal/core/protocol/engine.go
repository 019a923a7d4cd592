// Package protocol implements the Reader/Writer behaviors of the
// machine daemon: role initialization, log refresh, write submission
// with nonce-correlated acknowledgement, and inbound message handling.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oscoin/radicle/internal/core/cache"
	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/ports"
)

// Cache is the shape of machine cache the engine mutates through.
type Cache = cache.Cache[domain.MachineID, domain.CachedEntry]

// Engine drives one daemon's participation in its machines. All
// machine mutations funnel through the cache's per-key lock, so entries
// for one machine apply in total order while machines stay independent.
type Engine struct {
	cache  *Cache
	store  ports.MachineStore
	pubsub ports.PubSub
	eval   ports.Evaluator

	ackTimeout time.Duration
	pollBudget time.Duration

	acks   *ackTable
	logger *slog.Logger

	// onMembership fires after the cache gains an entry, outside any
	// machine slot lock, so the follow registry can be rewritten.
	onMembership func()
}

func NewEngine(c *Cache, store ports.MachineStore, pubsub ports.PubSub, eval ports.Evaluator, cfg *domain.Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:        c,
		store:        store,
		pubsub:       pubsub,
		eval:         eval,
		ackTimeout:   cfg.AckTimeout,
		pollBudget:   cfg.HighFreqBudget,
		acks:         newAckTable(),
		logger:       logger.With("component", "protocol"),
		onMembership: func() {},
	}
}

// OnMembershipChange registers the callback fired whenever the cache's
// key set grows. Must be set before the engine handles traffic.
func (e *Engine) OnMembershipChange(fn func()) {
	e.onMembership = fn
}

// CreateWriter allocates a fresh machine through the store and caches
// it with this daemon as its writer.
func (e *Engine) CreateWriter(ctx context.Context) (domain.MachineID, error) {
	id, err := e.store.CreateMachine(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMachineCreation, err)
	}

	sub, err := e.subscribe(ctx, id)
	if err != nil {
		return "", domain.NewStoreError("subscribe", id, err)
	}

	m := domain.MachineState{
		ID:          id,
		Eval:        e.eval.InitState(),
		Role:        domain.RoleWriter,
		Sub:         sub,
		LastUpdated: time.Now(),
		Polling:     domain.LowFreq(),
	}
	if err := e.cache.InsertIfAbsent(id, domain.Present{Machine: m}); err != nil {
		sub.Close()
		return "", err
	}

	e.onMembership()
	e.logger.Info("machine created", "machine", id, "role", domain.RoleWriter)
	return id, nil
}

// InitWriter rehydrates a machine this daemon owns, used during boot
// replay: the full log is folded so the writer resumes where it left
// off.
func (e *Engine) InitWriter(ctx context.Context, id domain.MachineID) error {
	m, err := e.loadMachine(ctx, id, domain.RoleWriter)
	if err != nil {
		return err
	}
	if insertErr := e.cache.InsertIfAbsent(id, domain.Present{Machine: m}); insertErr != nil {
		m.Sub.Close()
		return insertErr
	}
	e.onMembership()
	return nil
}

// EnsureReader materializes a reader for the machine, reusing the
// cached entry when present. A reader whose earlier load failed is
// retried here; if the load fails again the machine stays in the cache
// as an uninitialized reader so the follow set keeps it.
func (e *Engine) EnsureReader(ctx context.Context, id domain.MachineID) (domain.MachineState, error) {
	if entry, ok := e.cache.Lookup(id); ok {
		return e.ensureInitialized(ctx, id, entry)
	}

	m, loadErr := e.loadMachine(ctx, id, domain.RoleReader)
	if loadErr != nil {
		// Keep the machine in the follow set for a later retry.
		if err := e.cache.InsertIfAbsent(id, domain.UninitializedReader{}); err == nil {
			e.onMembership()
		}
		e.logger.Warn("reader init failed", "machine", id, "error", loadErr)
		return domain.MachineState{}, loadErr
	}

	if err := e.cache.InsertIfAbsent(id, domain.Present{Machine: m}); err != nil {
		// Lost the insert race; adopt whatever won.
		entry, ok := e.cache.Lookup(id)
		if !ok {
			m.Sub.Close()
			return domain.MachineState{}, domain.ErrNotCached
		}
		if _, isPresent := entry.(domain.Present); isPresent {
			m.Sub.Close()
			return e.ensureInitialized(ctx, id, entry)
		}
		// The winner is an uninitialized reader: promote it with the
		// state we already loaded.
		promoted := m
		modErr := e.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
			if p, ok := cur.(domain.Present); ok {
				promoted = p.Machine
				return cur, nil
			}
			promoted = m
			return domain.Present{Machine: m}, nil
		})
		if modErr != nil {
			m.Sub.Close()
			return domain.MachineState{}, modErr
		}
		if promoted.ID != m.ID || promoted.Sub != m.Sub {
			m.Sub.Close()
		}
		return promoted, nil
	}

	e.onMembership()
	e.logger.Info("machine followed", "machine", id, "role", domain.RoleReader)
	return m, nil
}

// ensureInitialized upgrades an uninitialized reader in place, loading
// the log under the machine's slot lock so concurrent retries cannot
// interleave. Role stays Reader throughout; an entry never changes role
// in place.
func (e *Engine) ensureInitialized(ctx context.Context, id domain.MachineID, entry domain.CachedEntry) (domain.MachineState, error) {
	if p, ok := entry.(domain.Present); ok {
		return p.Machine, nil
	}

	var out domain.MachineState
	err := e.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
		if p, ok := cur.(domain.Present); ok {
			out = p.Machine
			return cur, nil
		}
		m, loadErr := e.loadMachine(ctx, id, domain.RoleReader)
		if loadErr != nil {
			return cur, loadErr
		}
		out = m
		return domain.Present{Machine: m}, nil
	})
	if err != nil {
		return domain.MachineState{}, err
	}
	return out, nil
}

// loadMachine fetches the machine's full log, folds the evaluator over
// it and opens the topic subscription.
func (e *Engine) loadMachine(ctx context.Context, id domain.MachineID, role domain.Role) (domain.MachineState, error) {
	latest, entries, err := e.store.EntriesFrom(ctx, id, nil)
	if err != nil {
		return domain.MachineState{}, domain.NewStoreError("entries-from", id, err)
	}

	state := e.eval.InitState()
	for _, entry := range entries {
		next, _, applyErr := e.eval.Apply(state, entry)
		if applyErr != nil {
			return domain.MachineState{}, fmt.Errorf("fold machine %s: %w", id, applyErr)
		}
		state = next
	}

	sub, err := e.subscribe(ctx, id)
	if err != nil {
		return domain.MachineState{}, domain.NewStoreError("subscribe", id, err)
	}

	m := domain.MachineState{
		ID:          id,
		Eval:        state,
		Role:        role,
		Sub:         sub,
		LastUpdated: time.Now(),
		Polling:     domain.HighFreq(e.pollBudget),
	}
	if len(entries) > 0 || latest > 0 {
		idx := latest
		m.LastIndex = &idx
	}
	return m, nil
}

// Refresh pulls entries the local replica has not folded yet. A no-op
// when the store reports nothing newer.
func (e *Engine) Refresh(ctx context.Context, id domain.MachineID) error {
	return e.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
		p, ok := cur.(domain.Present)
		if !ok {
			return cur, domain.ErrNotCached
		}
		if p.Machine.Role != domain.RoleReader {
			return cur, nil
		}
		m, err := e.refreshState(ctx, p.Machine)
		if err != nil {
			return cur, err
		}
		return domain.Present{Machine: m}, nil
	})
}

// RefreshState is the slot-lock-free core of a refresh, exposed for
// the poll scheduler which already holds the machine's slot.
func (e *Engine) RefreshState(ctx context.Context, m domain.MachineState) (domain.MachineState, error) {
	return e.refreshState(ctx, m)
}

func (e *Engine) refreshState(ctx context.Context, m domain.MachineState) (domain.MachineState, error) {
	latest, entries, err := e.store.EntriesFrom(ctx, m.ID, m.LastIndex)
	if err != nil {
		return m, domain.NewStoreError("entries-from", m.ID, err)
	}

	now := time.Now()
	if len(entries) == 0 {
		m.LastUpdated = now
		return m, nil
	}
	if m.LastIndex != nil && latest <= *m.LastIndex {
		e.logger.Warn("store reported stale index", "machine", m.ID, "latest", latest, "have", *m.LastIndex)
		m.LastUpdated = now
		return m, nil
	}

	state := m.Eval
	for _, entry := range entries {
		next, _, applyErr := e.eval.Apply(state, entry)
		if applyErr != nil {
			return m, fmt.Errorf("fold machine %s: %w", m.ID, applyErr)
		}
		state = next
	}

	return m.WithActivity(state, latest, now, e.pollBudget), nil
}

// Send applies a batch of expressions to the machine. Writers apply
// and broadcast directly; readers forward a Submit to the writer and
// wait for the correlated Applied acknowledgement.
func (e *Engine) Send(ctx context.Context, id domain.MachineID, expressions []domain.Value) ([]domain.Value, error) {
	if len(expressions) == 0 {
		return nil, fmt.Errorf("%w: empty expression batch", domain.ErrInvalidInput)
	}

	var m domain.MachineState
	var err error
	if entry, ok := e.cache.Lookup(id); ok {
		m, err = e.ensureInitialized(ctx, id, entry)
	} else {
		m, err = e.EnsureReader(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	if m.Role == domain.RoleWriter {
		return e.applyAsWriter(ctx, id, "", expressions)
	}
	return e.sendAsReader(ctx, m, expressions)
}

// applyAsWriter evaluates the whole batch under the machine's slot
// lock, appends it to the log and broadcasts Applied. One failing
// expression rejects the batch atomically; nothing is appended and
// nothing is broadcast for its nonce.
func (e *Engine) applyAsWriter(ctx context.Context, id domain.MachineID, nonce string, expressions []domain.Value) ([]domain.Value, error) {
	var results []domain.Value
	err := e.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
		p, ok := cur.(domain.Present)
		if !ok || p.Machine.Role != domain.RoleWriter {
			return cur, domain.ErrNotCached
		}
		m := p.Machine

		state := m.Eval
		batch := make([]domain.Value, 0, len(expressions))
		for _, expr := range expressions {
			next, res, applyErr := e.eval.Apply(state, expr)
			if applyErr != nil {
				return cur, domain.NewInputError(id, expr, applyErr)
			}
			state = next
			batch = append(batch, res)
		}

		if appendErr := e.store.AppendEntries(ctx, id, expressions); appendErr != nil {
			return cur, domain.NewStoreError("append-entries", id, appendErr)
		}

		newIndex := uint64(len(expressions))
		if m.LastIndex != nil {
			newIndex = *m.LastIndex + uint64(len(expressions))
		}
		results = batch

		data, encErr := domain.EncodeMessage(domain.NewApplied(nonce, batch))
		if encErr != nil {
			return cur, encErr
		}
		if pubErr := e.pubsub.Publish(ctx, id.String(), data); pubErr != nil {
			// The batch is durable; readers will catch up by polling.
			e.logger.Warn("applied broadcast failed", "machine", id, "error", pubErr)
		}

		return domain.Present{Machine: m.WithActivity(state, newIndex, time.Now(), e.pollBudget)}, nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// sendAsReader broadcasts a Submit and waits up to the ack window for
// the writer's Applied carrying the same nonce. Anything else on the
// topic is ignored and the wait continues. There is no retry; a
// timeout surfaces as ErrAckTimeout and a matching Applied arriving
// later is dropped without effect.
func (e *Engine) sendAsReader(ctx context.Context, m domain.MachineState, expressions []domain.Value) ([]domain.Value, error) {
	nonce := uuid.NewString()

	data, err := domain.EncodeMessage(domain.NewSubmit(nonce, expressions))
	if err != nil {
		return nil, err
	}

	ch := e.acks.register(nonce)
	defer e.acks.deregister(nonce)

	if err := e.pubsub.Publish(ctx, m.ID.String(), data); err != nil {
		return nil, domain.NewStoreError("publish", m.ID, err)
	}

	timer := time.NewTimer(e.ackTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg.Results, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no acknowledgement for machine %s within %s", domain.ErrAckTimeout, m.ID, e.ackTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query evaluates an expression against the machine's current state as
// a pure probe: nothing is appended or persisted and the last index is
// untouched. Readers refresh first to minimize staleness; every query
// bumps polling back to the high-frequency burst.
func (e *Engine) Query(ctx context.Context, id domain.MachineID, expression domain.Value) (domain.Value, error) {
	entry, ok := e.cache.Lookup(id)
	var m domain.MachineState
	var err error
	if !ok {
		m, err = e.EnsureReader(ctx, id)
		if err != nil {
			return nil, err
		}
	} else {
		m, err = e.ensureInitialized(ctx, id, entry)
		if err != nil {
			return nil, err
		}
	}

	if m.Role == domain.RoleReader {
		if err := e.Refresh(ctx, id); err != nil {
			e.logger.Warn("pre-query refresh failed", "machine", id, "error", err)
		}
		if cur, ok := e.cache.Lookup(id); ok {
			if p, isPresent := cur.(domain.Present); isPresent {
				m = p.Machine
			}
		}
	}

	result, err := e.eval.Query(m.Eval, expression)
	if err != nil {
		return nil, domain.NewInputError(id, expression, err)
	}

	e.bumpPolling(id)
	return result, nil
}

// bumpPolling resets the machine to the high-frequency burst without
// touching anything else.
func (e *Engine) bumpPolling(id domain.MachineID) {
	_ = e.cache.Modify(id, func(cur domain.CachedEntry) (domain.CachedEntry, error) {
		p, ok := cur.(domain.Present)
		if !ok {
			return cur, nil
		}
		p.Machine.Polling = domain.HighFreq(e.pollBudget)
		return p, nil
	})
}

// subscribe opens the machine's topic and wires the engine's handler.
func (e *Engine) subscribe(ctx context.Context, id domain.MachineID) (ports.Subscription, error) {
	sub, err := e.pubsub.Subscribe(ctx, id.String())
	if err != nil {
		return nil, err
	}
	sub.AddHandler(e.makeHandler(id))
	return sub, nil
}

// makeHandler demultiplexes one machine's topic. Submits are handled
// by the writer and ignored by readers; Applieds resolve pending acks
// and trigger a catch-up refresh on readers, writers ignore their own
// echo. Undecodable payloads are logged, never silently dropped.
func (e *Engine) makeHandler(id domain.MachineID) func(data []byte) {
	return func(data []byte) {
		msg, err := domain.DecodeMessage(data)
		if err != nil {
			e.logger.Error("undecodable message on machine topic", "machine", id, "error", err)
			return
		}

		entry, ok := e.cache.Lookup(id)
		if !ok {
			return
		}

		switch msg.Kind {
		case domain.KindSubmit:
			if entry.EntryRole() != domain.RoleWriter {
				return
			}
			if _, err := e.applyAsWriter(context.Background(), id, msg.Nonce, msg.Expressions); err != nil {
				if domain.IsInvalidInput(err) {
					// Whole batch rejected; the submitter times out
					// rather than receiving a partial Applied.
					e.logger.Warn("submit rejected", "machine", id, "nonce", msg.Nonce, "error", err)
					return
				}
				e.logger.Error("submit handling failed", "machine", id, "nonce", msg.Nonce, "error", err)
			}
		case domain.KindApplied:
			if entry.EntryRole() != domain.RoleReader {
				return
			}
			e.acks.resolve(msg)
			if err := e.Refresh(context.Background(), id); err != nil && !errors.Is(err, domain.ErrNotCached) {
				e.logger.Warn("post-applied refresh failed", "machine", id, "error", err)
			}
		}
	}
}
