// Package radicle provides a local daemon that materializes and
// replicates remotely stored, append-only machines: logs of
// expressions folded through a deterministic evaluator into current
// state.
//
// For every machine the daemon holds exactly one role. As Writer it is
// the sole authority appending entries and broadcasting results; as
// Reader it replicates the log locally and forwards write requests to
// the writer over pubsub, correlating the acknowledgement by nonce.
// The follow registry persists the role set across restarts, and a
// self-decaying poll scheduler keeps reader replicas fresh.
//
// Basic usage:
//
//	daemon, _ := radicle.NewLocalDaemon(radicle.NewConfigBuilder("./data").Build())
//	daemon.Start(ctx)
//
//	id, _ := daemon.Create(ctx)
//	results, _ := daemon.Send(ctx, id, []radicle.Value{radicle.Value(`1`), radicle.Value(`2`)})
//	sum, _ := daemon.Query(ctx, id, radicle.Value(`"sum"`))
//
// The distributed store, the pubsub transport and the evaluator are
// collaborator ports; NewDaemon accepts custom implementations, while
// NewLocalDaemon bundles embedded adapters for single-host setups.
package radicle

import (
	"github.com/oscoin/radicle/internal/core"
	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/ports"
)

// Daemon is the machine daemon: it caches machines on first access,
// replays the follow registry at boot and exposes the create/query/
// send operations the transport layer serves.
type Daemon = core.Daemon

// NewDaemon wires a daemon from its collaborator ports. A nil config
// gets defaults.
func NewDaemon(config *Config, store MachineStore, pubsub PubSub, eval Evaluator) (*Daemon, error) {
	return core.NewDaemon(config, store, pubsub, eval)
}

// MachineID identifies one machine.
type MachineID = domain.MachineID

// Role is the daemon's relationship to a machine: RoleWriter appends
// and broadcasts, RoleReader replicates and forwards.
type Role = domain.Role

const (
	RoleReader = domain.RoleReader
	RoleWriter = domain.RoleWriter
)

// Value is an opaque expression or result handed to the evaluator.
type Value = domain.Value

// MachineStore is the distributed append-only log collaborator.
type MachineStore = ports.MachineStore

// PubSub carries the Submit/Applied protocol, one topic per machine.
type PubSub = ports.PubSub

// Subscription is a live topic attachment.
type Subscription = ports.Subscription

// Evaluator folds a machine's log into state. Implementations must be
// deterministic so writer and readers converge.
type Evaluator = ports.Evaluator

// EvalState is the evaluator's opaque folded state.
type EvalState = domain.EvalState

// Error taxonomy surfaced by Create, Query and Send.
var (
	ErrInvalidInput      = domain.ErrInvalidInput
	ErrAckTimeout        = domain.ErrAckTimeout
	ErrNotCached         = domain.ErrNotCached
	ErrAlreadyCached     = domain.ErrAlreadyCached
	ErrMachineCreation   = domain.ErrMachineCreation
	ErrWriterUnavailable = domain.ErrWriterUnavailable
)

// IsInvalidInput reports whether the evaluator rejected an expression.
func IsInvalidInput(err error) bool { return domain.IsInvalidInput(err) }

// IsAckTimeout reports whether a send expired without acknowledgement.
func IsAckTimeout(err error) bool { return domain.IsAckTimeout(err) }

// IsStoreError reports whether a collaborator store or pubsub
// operation failed.
func IsStoreError(err error) bool { return domain.IsStoreError(err) }
