package domain

import (
	"time"

	"github.com/oscoin/radicle/internal/xjson"
)

// MachineID is the opaque stable identifier of a replicated machine:
// an append-only log of expressions plus the state derived by folding
// the evaluator over it.
type MachineID string

func (id MachineID) String() string {
	return string(id)
}

// Role is the daemon's relationship to one machine. It is fixed for
// the lifetime of a cached entry; changing role means removing the
// entry and inserting a fresh one.
type Role string

const (
	// RoleReader replicates the machine's log locally and forwards
	// write requests to the writer over pubsub.
	RoleReader Role = "reader"

	// RoleWriter holds sole authority to append entries and broadcast
	// applied results for the machine.
	RoleWriter Role = "writer"
)

func (r Role) Valid() bool {
	return r == RoleReader || r == RoleWriter
}

// Value is an opaque expression or evaluation result. The daemon never
// inspects it; only the evaluator does.
type Value = xjson.RawMessage

// PollMode selects the polling regime for a reader machine.
type PollMode int

const (
	// PollHighFreq refreshes on every scheduler tick until the budget
	// runs out.
	PollHighFreq PollMode = iota

	// PollLowFreq refreshes only when the machine has not been updated
	// for the low-frequency period.
	PollLowFreq
)

// PollingState is the self-decaying polling budget of a reader
// machine. In high-frequency mode Remaining holds the budget left;
// in low-frequency mode Remaining is meaningless.
type PollingState struct {
	Mode      PollMode
	Remaining time.Duration
}

// HighFreq returns a fresh high-frequency polling state with the given
// budget. Any local or remote write activity resets polling this way.
func HighFreq(budget time.Duration) PollingState {
	return PollingState{Mode: PollHighFreq, Remaining: budget}
}

// LowFreq returns the settled low-frequency polling state.
func LowFreq() PollingState {
	return PollingState{Mode: PollLowFreq}
}

// Decay advances the polling state by one scheduler tick of the given
// elapsed duration. The returned flag reports whether the machine
// should be refreshed this tick; lastUpdated and lowPeriod govern the
// low-frequency branch.
func (p PollingState) Decay(elapsed time.Duration, sinceUpdate, lowPeriod time.Duration) (PollingState, bool) {
	switch p.Mode {
	case PollHighFreq:
		remaining := p.Remaining - elapsed
		if remaining > 0 {
			return PollingState{Mode: PollHighFreq, Remaining: remaining}, true
		}
		// Budget just ran out: settle without refreshing this tick.
		return LowFreq(), false
	default:
		return p, sinceUpdate > lowPeriod
	}
}

// MachineState is the materialized view of one machine: the folded
// evaluator state plus replication bookkeeping.
type MachineState struct {
	ID MachineID

	// Eval is the opaque state produced by folding the evaluator over
	// the machine's log from the start.
	Eval EvalState

	// LastIndex is the index of the newest applied entry, nil until the
	// first entry is seen. It never decreases within one state's life.
	LastIndex *uint64

	Role Role

	// Sub keeps the machine's pubsub subscription alive; closing it
	// detaches the message handler.
	Sub SubscriptionHandle

	LastUpdated time.Time
	Polling     PollingState
}

// EvalState is whatever the evaluator folds the log into. The daemon
// treats it as opaque and only threads it through Apply/Query.
type EvalState interface{}

// SubscriptionHandle detaches a machine's pubsub subscription. Declared
// here so MachineState does not depend on the ports package.
type SubscriptionHandle interface {
	Close() error
}

// WithActivity returns a copy advanced past newly applied entries:
// last index set, timestamp touched and polling reset to high
// frequency.
func (m MachineState) WithActivity(eval EvalState, lastIndex uint64, now time.Time, budget time.Duration) MachineState {
	m.Eval = eval
	m.LastIndex = &lastIndex
	m.LastUpdated = now
	m.Polling = HighFreq(budget)
	return m
}

// CachedEntry is the sum of what the cache may hold for a machine id.
// It is sealed: UninitializedReader and Present are the only variants.
type CachedEntry interface {
	// Role never changes for a live entry.
	EntryRole() Role

	sealedEntry()
}

// UninitializedReader marks a reader whose initial log fetch failed.
// It keeps the machine in the follow set so the load is retried on the
// next access, without pretending an evaluator state exists.
type UninitializedReader struct{}

func (UninitializedReader) EntryRole() Role { return RoleReader }
func (UninitializedReader) sealedEntry()    {}

// Present wraps a fully materialized machine.
type Present struct {
	Machine MachineState
}

func (p Present) EntryRole() Role { return p.Machine.Role }
func (Present) sealedEntry()      {}
