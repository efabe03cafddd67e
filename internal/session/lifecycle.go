package session

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one lifecycle stage of a session.
type State string

const (
	// StateCreated is a coordinator that has not opened a session yet.
	StateCreated State = "created"
	// StateActive is an open session that accepts checks.
	StateActive State = "active"
	// StateFinalizing is a session that is polling for its verdict. New
	// checks are rejected.
	StateFinalizing State = "finalizing"
	// StateStopped is a closed session. It is terminal.
	StateStopped State = "stopped"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateCreated: {
		StateActive: {},
	},
	StateActive: {
		StateFinalizing: {},
	},
	StateFinalizing: {
		StateStopped: {},
	},
}

// lifecycle guards the session state. Transitions outside the table fail
// with a StateError and leave the state unchanged.
type lifecycle struct {
	mu     sync.RWMutex
	state  State
	tracer trace.Tracer
}

func newLifecycle(tracer trace.Tracer) *lifecycle {
	return &lifecycle{state: StateCreated, tracer: tracer}
}

func (l *lifecycle) current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// require fails unless the session is in want.
func (l *lifecycle) require(operation string, want State) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != want {
		return &StateError{Operation: operation, State: l.state}
	}
	return nil
}

func (l *lifecycle) transition(ctx context.Context, operation string, to State) error {
	_, span := l.tracer.Start(ctx, "session.transition")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.state
	span.SetAttributes(
		attribute.String("operation", operation),
		attribute.String("from_state", string(from)),
		attribute.String("to_state", string(to)),
	)
	if !isAllowed(from, to) {
		err := &StateError{Operation: operation, State: from, Target: to}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	l.state = to
	span.SetStatus(codes.Ok, "session state changed")
	return nil
}

func isAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
