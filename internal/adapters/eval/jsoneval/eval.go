// Package jsoneval is a small deterministic evaluator over JSON
// values, giving machines a concrete semantics for tests and embedders
// that do not bring their own: numeric expressions accumulate into a
// running sum, and string probes query the folded state.
package jsoneval

import (
	"fmt"

	"github.com/oscoin/radicle/internal/domain"
	"github.com/oscoin/radicle/internal/xjson"
)

type state struct {
	count int
	sum   float64
	last  domain.Value
}

type Evaluator struct{}

func New() *Evaluator {
	return &Evaluator{}
}

func (e *Evaluator) InitState() domain.EvalState {
	return state{}
}

// Apply folds one expression into the state. Numbers add to the
// running sum and the result is the new sum; any other valid JSON
// value is recorded and echoed back. Invalid JSON rejects the
// expression.
func (e *Evaluator) Apply(s domain.EvalState, expression domain.Value) (domain.EvalState, domain.Value, error) {
	cur, ok := s.(state)
	if !ok {
		return nil, nil, fmt.Errorf("jsoneval: foreign state %T", s)
	}

	var decoded interface{}
	if err := xjson.Unmarshal(expression, &decoded); err != nil {
		return nil, nil, fmt.Errorf("jsoneval: malformed expression: %w", err)
	}

	next := state{
		count: cur.count + 1,
		sum:   cur.sum,
		last:  expression,
	}

	if n, isNumber := decoded.(float64); isNumber {
		next.sum += n
		result, err := xjson.Marshal(next.sum)
		if err != nil {
			return nil, nil, err
		}
		return next, domain.Value(result), nil
	}
	return next, expression, nil
}

// Query probes the state without producing a successor. Supported
// probes: "sum", "count" and "last".
func (e *Evaluator) Query(s domain.EvalState, expression domain.Value) (domain.Value, error) {
	cur, ok := s.(state)
	if !ok {
		return nil, fmt.Errorf("jsoneval: foreign state %T", s)
	}

	var probe string
	if err := xjson.Unmarshal(expression, &probe); err != nil {
		return nil, fmt.Errorf("jsoneval: probe must be a string: %w", err)
	}

	switch probe {
	case "sum":
		out, err := xjson.Marshal(cur.sum)
		return domain.Value(out), err
	case "count":
		out, err := xjson.Marshal(cur.count)
		return domain.Value(out), err
	case "last":
		if cur.last == nil {
			return domain.Value("null"), nil
		}
		return cur.last, nil
	default:
		return nil, fmt.Errorf("jsoneval: unknown probe %q", probe)
	}
}
