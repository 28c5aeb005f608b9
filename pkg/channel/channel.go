// Package channel maintains the duplex websocket connection used to send
// generation commands and receive progress events.
//
// A channel keeps one logical connection per client identity. When the
// connection drops it waits a fixed delay and dials again, forever, until
// Close is called.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/identity"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/metrics"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	DefaultKeepalive      = 30 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// ErrAlreadyConnected is returned by Connect when a connection is already
// being maintained.
var ErrAlreadyConnected = errors.New("channel: already connected")

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type Config struct {
	// BaseURL is the server address (http, https, ws or wss).
	BaseURL  string
	Identity identity.Identity
	Token    string
	// RequireAuth refuses to connect without a token.
	RequireAuth    bool
	Keepalive      time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Dialer         Dialer
	Metrics        *metrics.Metrics
	Logger         *zerolog.Logger
}

type Channel struct {
	baseURL        string
	id             identity.Identity
	token          string
	requireAuth    bool
	keepalive      time.Duration
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	dialer         Dialer
	metrics        *metrics.Metrics
	log            zerolog.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	onEvent      func(protocol.Event)
	onState      func(State)
	cancel       context.CancelFunc
	done         chan struct{}
	writeMu      sync.Mutex
	stateMu      sync.Mutex
}

func New(cfg *Config) *Channel {
	keepalive := cfg.Keepalive
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}
	delay := cfg.ReconnectDelay
	if delay == 0 {
		delay = DefaultReconnectDelay
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer(dialTimeout)
	}
	id := cfg.Identity
	if id.IsZero() {
		id = identity.New()
	}
	logger := log.WithComponent("channel")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Channel{
		baseURL:        cfg.BaseURL,
		id:             id,
		token:          cfg.Token,
		requireAuth:    cfg.RequireAuth,
		keepalive:      keepalive,
		reconnectDelay: delay,
		dialTimeout:    dialTimeout,
		dialer:         dialer,
		metrics:        cfg.Metrics,
		log:            logger.With().Str("client_id", id.String()).Logger(),
	}
}

// Identity returns the client identity the channel is scoped to.
func (c *Channel) Identity() identity.Identity {
	return c.id
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers the single event consumer, replacing any previous one.
// Events are delivered one at a time in arrival order.
func (c *Channel) OnEvent(h func(protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = h
}

// OnStateChange registers an observer for state transitions.
func (c *Channel) OnStateChange(h func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = h
}

// URL returns the duplex endpoint address for this client.
func (c *Channel) URL() (string, error) {
	return buildURL(c.baseURL, c.id, c.token)
}

func buildURL(base string, id identity.Identity, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("channel: invalid server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("channel: missing host in %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + id.String()
	u.RawPath = ""
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// Connect opens the connection and starts the reconnect loop. It returns the
// result of the first dial; on failure the channel keeps retrying in the
// background. Calling Connect while the channel is not Disconnected returns
// ErrAlreadyConnected.
func (c *Channel) Connect(ctx context.Context) error {
	if c.requireAuth && c.token == "" {
		return apperr.New(apperr.AuthRequired, "channel", "")
	}
	u, err := c.URL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != Disconnected || c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(Connecting)
	first := make(chan error, 1)
	go c.run(runCtx, u, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reconnect loop and closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.setState(Disconnected)
	return nil
}

// Send writes a command. It fails fast with a NotConnected error when the
// channel is not connected; commands are never queued.
func (c *Channel) Send(cmd protocol.Command) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != Connected || conn == nil {
		return apperr.New(apperr.NotConnected, "channel", "")
	}
	b, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.write(conn, b); err != nil {
		return apperr.Wrap(apperr.NotConnected, "channel", fmt.Sprintf("couldn't send %s", cmd.Name()), err)
	}
	c.metrics.Command(cmd.Name())
	c.log.Debug().Str("command", cmd.Name()).Msg("command sent")
	return nil
}

func (c *Channel) write(conn Conn, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Channel) setState(s State) {
	// stateMu keeps observer calls in transition order.
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	h := c.onState
	c.mu.Unlock()

	c.metrics.Connected(s == Connected)
	c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state changed")
	if h != nil {
		h(s)
	}
}

func (c *Channel) run(ctx context.Context, u string, first chan<- error, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := c.dial(ctx, u)
		if first != nil {
			first <- err
			first = nil
		}
		if err == nil {
			c.serve(ctx, conn)
		} else if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("couldn't connect")
		}
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}

		c.setState(Reconnecting)
		c.metrics.Reconnect()
		c.log.Info().Dur("delay", c.reconnectDelay).Msg("reconnecting")
		t := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(Disconnected)
			return
		case <-t.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context, u string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dialCtx, u)
	c.metrics.ConnectAttempt(err == nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected)
	c.log.Info().Msg("connected")
	return conn, nil
}

// serve owns conn until it fails or ctx is cancelled. Events, keepalive pings
// and the close handshake all happen on this goroutine.
func (c *Channel) serve(ctx context.Context, conn Conn) {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- b:
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		close(stop)
		<-readerDone
	}()

	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	ping, _ := protocol.EncodeCommand(protocol.Ping{})

	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			if wc, ok := conn.(interface {
				WriteControl(int, []byte, time.Time) error
			}); ok {
				_ = wc.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			c.writeMu.Unlock()
			return
		case err := <-readErr:
			switch {
			case websocket.IsCloseError(err, websocket.ClosePolicyViolation):
				c.log.Error().Err(err).Msg("server rejected the session token")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Info().Err(err).Msg("connection closed")
			default:
				c.log.Warn().Err(err).Msg("connection lost")
			}
			return
		case b := <-frames:
			c.dispatch(b)
		case <-ticker.C:
			if err := c.write(conn, ping); err != nil {
				c.log.Warn().Err(err).Msg("couldn't send keepalive")
				// The reader will observe the broken connection.
				_ = conn.Close()
				continue
			}
			c.metrics.Command(protocol.Ping{}.Name())
		}
	}
}

func (c *Channel) dispatch(b []byte) {
	ev, err := protocol.DecodeEvent(b)
	if err != nil {
		c.metrics.DecodeError()
		c.log.Warn().Err(err).Int("size", len(b)).Msg("dropping malformed frame")
		return
	}
	c.metrics.Event(ev.Type())
	c.mu.Lock()
	h := c.onEvent
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}
