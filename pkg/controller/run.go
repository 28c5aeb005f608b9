package controller

import (
	"context"
	"sync"

	"github.com/igolaizola/videomusic/pkg/progress"
	"github.com/igolaizola/videomusic/pkg/session"
)

// Kind identifies a notification.
type Kind int

const (
	// KindStarted is emitted once a command was sent and progress was reset.
	KindStarted Kind = iota
	KindProgress
	KindCompleted
	KindFailed
	// KindSessionUpdated carries a refreshed session, e.g. after the cover
	// image of the session was stored.
	KindSessionUpdated
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindProgress:
		return "progress"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	case KindSessionUpdated:
		return "session updated"
	default:
		return "unknown"
	}
}

// Notification is emitted to subscribers on every observable change.
type Notification struct {
	Kind      Kind
	RunID     string
	Command   string
	SessionID string
	Title     string
	Phase     Phase
	Progress  progress.State
	Message   string
	// Session is the refreshed session on completion, nil if the refresh
	// failed.
	Session *session.Session
	// Err is the remote error of a failed run, ErrSuperseded, or the fetch
	// error of a failed refresh after completion.
	Err error
}

// Run is one command from send until its terminal event.
type Run struct {
	ID        string
	Command   string
	SessionID string

	once   sync.Once
	done   chan struct{}
	result Notification
}

func newRun(id, command, sessionID string) *Run {
	return &Run{
		ID:        id,
		Command:   command,
		SessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// finish records the terminal notification. It reports false if the run had
// already ended.
func (r *Run) finish(n Notification) bool {
	ok := false
	r.once.Do(func() {
		r.result = n
		close(r.done)
		ok = true
	})
	return ok
}

// Done is closed when the run ends.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends and returns its terminal notification. A
// failed run returns its error; a completed run whose session refresh failed
// returns the notification without error.
func (r *Run) Wait(ctx context.Context) (Notification, error) {
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case <-r.done:
	}
	if r.result.Kind == KindFailed {
		return r.result, r.result.Err
	}
	return r.result, nil
}
