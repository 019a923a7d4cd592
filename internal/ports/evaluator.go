package ports

import "github.com/oscoin/radicle/internal/domain"

// Evaluator is the deterministic state-transition function a machine's
// log is folded through. Its internals are opaque to the daemon; the
// only requirement is determinism, so that writer and readers converge
// on the same state from the same entries.
type Evaluator interface {
	// InitState is the state of an empty machine.
	InitState() domain.EvalState

	// Apply evaluates one expression against the state, returning the
	// successor state and the expression's result. An error rejects the
	// expression; the returned state is then ignored.
	Apply(state domain.EvalState, expression domain.Value) (domain.EvalState, domain.Value, error)

	// Query evaluates an expression as a pure probe: the result is
	// returned but no successor state is produced or persisted.
	Query(state domain.EvalState, expression domain.Value) (domain.Value, error)
}
