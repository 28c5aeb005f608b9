// Package controller drives generation runs: it sends workflow commands over
// the channel, turns the event stream into progress and terminal
// notifications and refreshes the affected sessions.
//
// Progress events carry no session id. When runs overlap, progress from the
// superseded run is attributed to the current one.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/metrics"
	"github.com/igolaizola/videomusic/pkg/progress"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/igolaizola/videomusic/pkg/session"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ErrSuperseded is returned by Run.Wait when a newer command replaced the run.
var ErrSuperseded = errors.New("controller: run superseded by a newer command")

type Phase int

const (
	Idle Phase = iota
	Submitting
	InProgress
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Submitting:
		return "submitting"
	case InProgress:
		return "in progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// Sender sends commands to the server.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Sessions refreshes session state after a command completes.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	List(ctx context.Context) ([]session.Summary, error)
}

type Config struct {
	Sender   Sender
	Sessions Sessions
	// RefreshTimeout bounds the session refresh after a completion.
	RefreshTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

type Controller struct {
	sender         Sender
	sessions       Sessions
	refreshTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	run         *Run
	lastSession string
	tracker     progress.Tracker

	subMu   sync.Mutex
	subs    map[int]func(Notification)
	nextSub int

	// notifyMu keeps notifications in order across goroutines.
	notifyMu sync.Mutex
}

func New(cfg *Config) *Controller {
	timeout := cfg.RefreshTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	logger := log.WithComponent("controller")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Controller{
		sender:         cfg.Sender,
		sessions:       cfg.Sessions,
		refreshTimeout: timeout,
		metrics:        cfg.Metrics,
		log:            logger,
		subs:           map[int]func(Notification){},
	}
}

// Phase returns the state of the current run.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Progress returns the progress of the current run.
func (c *Controller) Progress() progress.State {
	return c.tracker.State()
}

// Current returns the latest run, nil before the first command.
func (c *Controller) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// Subscribe registers an observer for notifications and returns a function
// that removes it. Observers are called sequentially and must not block.
func (c *Controller) Subscribe(fn func(Notification)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Controller) notify(n Notification) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.subMu.Lock()
	subs := make([]func(Notification), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(n)
	}
}

// StartGeneration validates the request and sends a song generation command.
func (c *Controller) StartGeneration(req protocol.GenerationRequest) (*Run, error) {
	req = req.Normalize()
	return c.begin(protocol.GenerateSong{Request: req}, "")
}

// RequestImage generates the cover image of a session.
func (c *Controller) RequestImage(sessionID string) (*Run, error) {
	return c.begin(protocol.GenerateImage{SessionID: sessionID}, sessionID)
}

// RequestVideo animates the cover image of a session.
func (c *Controller) RequestVideo(sessionID string) (*Run, error) {
	return c.begin(protocol.GenerateVideo{SessionID: sessionID}, sessionID)
}

// RequestLoop builds the looped video of a session. A nil subtitle config
// lets the server pick its defaults.
func (c *Controller) RequestLoop(sessionID string, subtitles *protocol.SubtitleConfig) (*Run, error) {
	return c.begin(protocol.LoopVideo{SessionID: sessionID, Subtitles: subtitles}, sessionID)
}

func (c *Controller) begin(cmd protocol.Command, sessionID string) (*Run, error) {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.phase
	saved := c.tracker.State()
	c.phase = Submitting
	c.tracker.Reset("")
	if err := c.sender.Send(cmd); err != nil {
		c.phase = prev
		c.tracker.Restore(saved)
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("command", cmd.Name()).Msg("couldn't send command")
		if apperr.KindOf(err) == apperr.Unknown {
			err = apperr.Wrap(apperr.NotConnected, "controller", "", err)
		}
		return nil, err
	}
	old := c.run
	r := newRun(ulid.Make().String(), cmd.Name(), sessionID)
	c.run = r
	c.phase = InProgress
	state := c.tracker.State()
	c.mu.Unlock()

	if old != nil && old.finish(Notification{Kind: KindFailed, RunID: old.ID, Command: old.Command, SessionID: old.SessionID, Err: ErrSuperseded}) {
		c.metrics.Run(old.Command, "superseded")
		c.log.Info().Str("run", old.ID).Str("command", old.Command).Msg("run superseded")
	}
	c.log.Info().Str("run", r.ID).Str("command", r.Command).Str("session", sessionID).Msg("run started")
	c.notify(Notification{
		Kind:      KindStarted,
		RunID:     r.ID,
		Command:   r.Command,
		SessionID: sessionID,
		Phase:     InProgress,
		Progress:  state,
	})
	return r, nil
}

// HandleEvent consumes an event from the channel. It is meant to be
// registered as the channel's single event consumer.
func (c *Controller) HandleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.Progress:
		c.onProgress(e.Message)
	case protocol.Complete:
		c.onComplete(e.Summary)
	case protocol.Error:
		c.onError(e.Message)
	case protocol.Pong:
		c.log.Debug().Msg("pong")
	}
}

func (c *Controller) current() (*Run, Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run, c.phase
}

func (c *Controller) onProgress(msg string) {
	state := c.tracker.Update(msg)
	c.metrics.Progress(state.Percentage)
	r, phase := c.current()
	n := Notification{Kind: KindProgress, Phase: phase, Progress: state, Message: msg}
	if r != nil {
		n.RunID, n.Command, n.SessionID = r.ID, r.Command, r.SessionID
	}
	c.notify(n)

	if imageSaved(msg) {
		c.mu.Lock()
		id := c.lastSession
		if r != nil && r.SessionID != "" {
			id = r.SessionID
		}
		c.mu.Unlock()
		if id != "" {
			c.refreshPreview(id)
		}
	}
}

// imageSaved reports whether a status message announces a stored cover image.
func imageSaved(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "imagen generada") ||
		strings.Contains(msg, "imagen guardada") ||
		strings.Contains(msg, "image saved")
}

func (c *Controller) refreshPreview(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Str("session", id).Msg("couldn't refresh preview")
		return
	}
	c.notify(Notification{Kind: KindSessionUpdated, SessionID: id, Title: sess.Title, Session: sess, Phase: c.Phase()})
}

func (c *Controller) onComplete(s protocol.Summary) {
	c.mu.Lock()
	r := c.run
	c.phase = Completed
	c.lastSession = s.SessionID
	c.mu.Unlock()
	msg := s.Message
	if msg == "" {
		msg = "Completed"
	}
	state := c.tracker.Finish(msg)
	c.metrics.Progress(state.Percentage)

	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	defer cancel()
	sess, err := c.sessions.Get(ctx, s.SessionID)
	if err != nil {
		c.log.Warn().Err(err).Str("session", s.SessionID).Msg("couldn't refresh session")
	}
	if _, err := c.sessions.List(ctx); err != nil {
		c.log.Warn().Err(err).Msg("couldn't refresh session list")
	}

	title := s.Title
	if title == "" && sess != nil {
		title = sess.Title
	}
	n := Notification{
		Kind:      KindCompleted,
		SessionID: s.SessionID,
		Title:     title,
		Phase:     Completed,
		Progress:  state,
		Message:   msg,
		Session:   sess,
		Err:       err,
	}
	c.finish(r, n, "completed")
	c.log.Info().Str("session", s.SessionID).Str("title", title).Msg("run completed")
}

func (c *Controller) onError(msg string) {
	c.mu.Lock()
	r := c.run
	c.phase = Failed
	c.mu.Unlock()
	state := c.tracker.Fail(msg)
	c.metrics.Progress(state.Percentage)

	n := Notification{
		Kind:     KindFailed,
		Phase:    Failed,
		Progress: state,
		Message:  msg,
		Err:      apperr.New(apperr.Remote, "controller", msg),
	}
	if r != nil {
		n.SessionID = r.SessionID
	}
	c.finish(r, n, "failed")
	c.log.Warn().Str("message", msg).Msg("run failed")
}

func (c *Controller) finish(r *Run, n Notification, outcome string) {
	if r != nil {
		n.RunID, n.Command = r.ID, r.Command
		if r.finish(n) {
			c.metrics.Run(r.Command, outcome)
		}
	}
	c.notify(n)
}

// Wait blocks until the current run ends. It fails if no command was sent.
func (c *Controller) Wait(ctx context.Context) (Notification, error) {
	r := c.Current()
	if r == nil {
		return Notification{}, fmt.Errorf("controller: no run in flight")
	}
	return r.Wait(ctx)
}
