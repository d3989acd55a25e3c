package choreo

import (
	"fmt"
	"slices"
	"sync"

	"github.com/f3rmion/aura/journal"
)

// Witness is evidence that a transition is legal. Witnesses are only
// produced by the Verify functions of this package.
type Witness interface {
	valid() bool
}

// InvalidTransitionError reports a transition the machine does not allow,
// a transition out of a terminal phase, or a transition without the
// evidence it requires.
type InvalidTransitionError struct {
	Machine string
	From    string
	To      string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition %s -> %s: %s", e.Machine, e.From, e.To, e.Reason)
}

func (e *InvalidTransitionError) Kind() journal.Kind { return journal.KindLifecycle }

type edge[P comparable] struct{ from, to P }

// Machine is a phase machine whose transitions may require a witness of a
// given type. It is safe for concurrent use.
type Machine[P interface {
	comparable
	fmt.Stringer
}] struct {
	mu       sync.Mutex
	name     string
	phase    P
	rules    map[edge[P]]func(Witness) bool
	terminal map[P]bool
	history  []P
}

func newMachine[P interface {
	comparable
	fmt.Stringer
}](name string, start P, terminal ...P) *Machine[P] {
	m := &Machine[P]{
		name:     name,
		phase:    start,
		rules:    map[edge[P]]func(Witness) bool{},
		terminal: map[P]bool{},
		history:  []P{start},
	}
	for _, t := range terminal {
		m.terminal[t] = true
	}
	return m
}

// allow permits from -> to. needs is nil for transitions that require no
// evidence.
func (m *Machine[P]) allow(from, to P, needs func(Witness) bool) {
	m.rules[edge[P]{from, to}] = needs
}

// requires accepts a valid witness of type W.
func requires[W Witness]() func(Witness) bool {
	return func(w Witness) bool {
		typed, ok := w.(W)
		return ok && typed.valid()
	}
}

// Phase returns the current phase.
func (m *Machine[P]) Phase() P {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// IsTerminal reports whether the machine reached a terminal phase.
func (m *Machine[P]) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal[m.phase]
}

// History returns every phase visited, in order.
func (m *Machine[P]) History() []P {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Transition moves the machine to phase to. w must satisfy the rule for
// the edge; pass nil for edges that need no evidence.
func (m *Machine[P]) Transition(to P, w Witness) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fail := func(reason string) error {
		return &InvalidTransitionError{Machine: m.name, From: m.phase.String(), To: to.String(), Reason: reason}
	}
	if m.terminal[m.phase] {
		return fail("phase is terminal")
	}
	needs, ok := m.rules[edge[P]{m.phase, to}]
	if !ok {
		return fail("not allowed")
	}
	if needs != nil && !needs(w) {
		return fail("missing witness")
	}
	m.phase = to
	m.history = append(m.history, to)
	return nil
}

// fail moves the machine to the failure phase unless it is already
// terminal.
func (m *Machine[P]) fail(failed P) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal[m.phase] {
		return
	}
	m.phase = failed
	m.history = append(m.history, failed)
}
