package progress

import "sync"

// State is the progress of one generation run.
type State struct {
	Percentage  int
	Color       Color
	LastMessage string
}

// Tracker accumulates estimates for a single run. The percentage never goes
// down except on Reset or when a message reports an error.
type Tracker struct {
	mu    sync.Mutex
	state State
}

// Reset starts a new run.
func (t *Tracker) Reset(message string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{LastMessage: message}
	return t.state
}

// Restore puts back a state saved with State.
func (t *Tracker) Restore(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Update feeds a status message and returns the new state.
func (t *Tracker) Update(message string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	pct, color := Estimate(message, t.state.Percentage)
	if color != Error && pct < t.state.Percentage {
		pct = t.state.Percentage
		if pct >= Complete {
			color = Success
		}
	}
	t.state = State{Percentage: pct, Color: color, LastMessage: message}
	return t.state
}

// Fail forces the error state, keeping message as the last message.
func (t *Tracker) Fail(message string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{Percentage: 0, Color: Error, LastMessage: message}
	return t.state
}

// Finish forces the completed state.
func (t *Tracker) Finish(message string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{Percentage: Complete, Color: Success, LastMessage: message}
	return t.state
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
