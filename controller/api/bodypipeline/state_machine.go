package bodypipeline

import "sync"

// transitionFunc runs the side effects for one (state, event) pair and
// returns the state to move to. It always runs with the engine's lock held,
// so it may freely touch producer fields without additional locking, but
// must never block (spec.md §5: "no suspension points inside a
// transition").
type transitionFunc func(ev event) ProducerState

// stateMachine is the generic engine described in spec.md §4.1: a static
// table mapping (state, event kind) to a transition function, with a single
// lock serializing event delivery so side effects run one at a time no
// matter which goroutine (transport thread or subscriber scheduler)
// delivered the event.
type stateMachine struct {
	mu    sync.Mutex
	state ProducerState
	table map[ProducerState]map[eventKind]transitionFunc

	// onInappropriate is invoked, under the lock, whenever an event has no
	// registered handler for the current state. It must not block or
	// recursively dispatch.
	onInappropriate func(state ProducerState, kind eventKind)
}

func newStateMachine(initial ProducerState, onInappropriate func(ProducerState, eventKind)) *stateMachine {
	return &stateMachine{
		state:           initial,
		table:           make(map[ProducerState]map[eventKind]transitionFunc),
		onInappropriate: onInappropriate,
	}
}

// on registers the handler for (state, kind). Building the table via
// explicit calls, rather than chained fluent registration, keeps the
// transition matrix exhaustiveness-checkable against spec.md §4.3 by eye.
func (m *stateMachine) on(state ProducerState, kind eventKind, fn transitionFunc) {
	row, ok := m.table[state]
	if !ok {
		row = make(map[eventKind]transitionFunc)
		m.table[state] = row
	}
	row[kind] = fn
}

// dispatch serializes delivery of one event and applies its transition.
func (m *stateMachine) dispatch(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.table[m.state]
	if ok {
		if fn, ok := row[ev.kind()]; ok {
			m.state = fn(ev)
			return
		}
	}
	m.onInappropriate(m.state, ev.kind())
}

func (m *stateMachine) current() ProducerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
