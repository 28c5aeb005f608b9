package videomusic

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/igolaizola/videomusic/pkg/api"
	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/channel"
	"github.com/igolaizola/videomusic/pkg/controller"
	"github.com/igolaizola/videomusic/pkg/filestore"
	"github.com/igolaizola/videomusic/pkg/identity"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/metrics"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/igolaizola/videomusic/pkg/session"
	"github.com/igolaizola/videomusic/pkg/sound"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Server    string
	Token     string
	TokenFile string
	// Auth refuses to open the channel without a session token.
	Auth     bool
	ClientID string
	Proxy    string
	Debug    bool
	Timeout  time.Duration

	Keepalive      time.Duration
	ReconnectDelay time.Duration
}

// Client owns every component of a generation client: identity, api,
// session cache, channel and controller.
type Client struct {
	ID         identity.Identity
	API        *api.Client
	Sessions   *session.Cache
	Channel    *channel.Channel
	Controller *controller.Controller
	Metrics    *metrics.Metrics

	tokens identity.TokenStore
	log    zerolog.Logger
}

// Open wires the client components. It doesn't connect the channel.
func Open(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("videomusic: server is required")
	}
	id := identity.New()
	if cfg.ClientID != "" {
		var err error
		id, err = identity.Parse(cfg.ClientID)
		if err != nil {
			return nil, err
		}
	}

	var tokens identity.TokenStore
	if cfg.TokenFile != "" {
		tokens = identity.NewFileTokenStore(cfg.TokenFile)
	} else {
		static := identity.StaticToken("")
		tokens = &static
	}
	token := cfg.Token
	if token == "" {
		var err error
		token, err = tokens.GetToken(ctx)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("videomusic: invalid proxy URL: %w", err)
		}
		httpClient.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}

	m := metrics.New()
	client := api.New(&api.Config{
		BaseURL: cfg.Server,
		Token:   token,
		Client:  httpClient,
	})
	cache := session.NewCache(client)
	ch := channel.New(&channel.Config{
		BaseURL:        cfg.Server,
		Identity:       id,
		Token:          token,
		RequireAuth:    cfg.Auth,
		Keepalive:      cfg.Keepalive,
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        m,
	})
	ctrl := controller.New(&controller.Config{
		Sender:   ch,
		Sessions: cache,
		Metrics:  m,
	})
	ch.OnEvent(ctrl.HandleEvent)

	logger := log.WithComponent("client")
	logger.Debug().Str("client_id", id.String()).Str("server", cfg.Server).Msg("client ready")
	return &Client{
		ID:         id,
		API:        client,
		Sessions:   cache,
		Channel:    ch,
		Controller: ctrl,
		Metrics:    m,
		tokens:     tokens,
		log:        logger,
	}, nil
}

// Connect opens the channel and keeps it connected until Close.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Channel.Connect(ctx); err != nil {
		return fmt.Errorf("videomusic: couldn't connect: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.Channel.Close()
}

// Login authenticates and stores the session token.
func (c *Client) Login(ctx context.Context, username, password string) (*api.User, error) {
	user, token, err := c.API.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := c.tokens.SetToken(ctx, token); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout ends the session and removes the stored token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.API.Logout(ctx); err != nil {
		return err
	}
	return c.tokens.SetToken(ctx, "")
}

// GenerateSong sends a song generation and waits for its terminal
// notification. fn, if not nil, observes every notification of the run.
func (c *Client) GenerateSong(ctx context.Context, req protocol.GenerationRequest, fn func(controller.Notification)) (controller.Notification, error) {
	return c.run(ctx, fn, func() (*controller.Run, error) {
		return c.Controller.StartGeneration(req)
	})
}

func (c *Client) GenerateImage(ctx context.Context, sessionID string, fn func(controller.Notification)) (controller.Notification, error) {
	return c.run(ctx, fn, func() (*controller.Run, error) {
		return c.Controller.RequestImage(sessionID)
	})
}

func (c *Client) GenerateVideo(ctx context.Context, sessionID string, fn func(controller.Notification)) (controller.Notification, error) {
	return c.run(ctx, fn, func() (*controller.Run, error) {
		return c.Controller.RequestVideo(sessionID)
	})
}

func (c *Client) LoopVideo(ctx context.Context, sessionID string, subtitles *protocol.SubtitleConfig, fn func(controller.Notification)) (controller.Notification, error) {
	return c.run(ctx, fn, func() (*controller.Run, error) {
		return c.Controller.RequestLoop(sessionID, subtitles)
	})
}

func (c *Client) run(ctx context.Context, fn func(controller.Notification), start func() (*controller.Run, error)) (controller.Notification, error) {
	if fn != nil {
		cancel := c.Controller.Subscribe(fn)
		defer cancel()
	}
	r, err := start()
	if err != nil {
		return controller.Notification{}, err
	}
	return r.Wait(ctx)
}

// Export is a session file stored by Download.
type Export struct {
	Name     string
	Kind     string
	Duration time.Duration
	Loudness float64
}

// Download fetches the media of a session and stores it in store. Files are
// fetched concurrently before being stored in order. When
// waveform is set, a waveform image is stored next to each audio track.
func (c *Client) Download(ctx context.Context, sessionID string, store *filestore.Store, waveform bool) ([]Export, error) {
	sess, err := c.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "videomusic-")
	if err != nil {
		return nil, fmt.Errorf("videomusic: couldn't create temp folder: %w", err)
	}
	defer os.RemoveAll(tmp)

	type item struct {
		kind string
		file session.File
		name string
	}
	var items []item
	add := func(kind string, f session.File) {
		base := fileName(f.URL)
		if base == "" {
			c.log.Warn().Str("kind", kind).Str("url", f.URL).Msg("skipping file without name")
			return
		}
		items = append(items, item{kind, f, base})
	}
	for _, f := range sess.AudioFiles {
		add("audio", f)
	}
	if sess.HasImage() {
		add("image", *sess.ImageFile)
	}
	if sess.HasVideo() {
		add("video", *sess.VideoFile)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, it := range items {
		u := it.file.URL
		local := filepath.Join(tmp, it.name)
		g.Go(func() error {
			return download(gctx, c.API, u, local)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var exports []Export
	for _, it := range items {
		name := filestore.Name(sess.ID, it.name)
		local := filepath.Join(tmp, it.name)
		export := Export{Name: name, Kind: it.kind}
		if it.kind == "audio" && strings.EqualFold(filepath.Ext(local), ".mp3") {
			a, err := sound.NewAnalyzer(local)
			if err != nil {
				c.log.Warn().Err(err).Str("file", name).Msg("couldn't analyze audio")
			} else {
				export.Duration = a.Duration()
				export.Loudness = a.Loudness()
				if waveform {
					if err := c.storeWaveform(ctx, store, a, local, name, &exports); err != nil {
						return exports, err
					}
				}
			}
		}
		if err := store.Put(ctx, local, name); err != nil {
			return exports, fmt.Errorf("videomusic: couldn't store %s: %w", name, err)
		}
		exports = append(exports, export)
	}

	if sess.Lyrics != "" {
		name := filestore.Name(sess.ID, "lyrics.txt")
		local := filepath.Join(tmp, "lyrics.txt")
		if err := os.WriteFile(local, []byte(sess.Lyrics), 0644); err != nil {
			return exports, fmt.Errorf("videomusic: couldn't write lyrics: %w", err)
		}
		if err := store.Put(ctx, local, name); err != nil {
			return exports, fmt.Errorf("videomusic: couldn't store %s: %w", name, err)
		}
		exports = append(exports, Export{Name: name, Kind: "lyrics"})
	}
	return exports, nil
}

func (c *Client) storeWaveform(ctx context.Context, store *filestore.Store, a *sound.Analyzer, local, name string, exports *[]Export) error {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	img, err := a.PlotWave(base)
	if err != nil {
		return err
	}
	file := strings.TrimSuffix(local, filepath.Ext(local)) + "_waveform.jpg"
	if err := os.WriteFile(file, img, 0644); err != nil {
		return fmt.Errorf("videomusic: couldn't write waveform: %w", err)
	}
	wname := strings.TrimSuffix(name, filepath.Ext(name)) + "_waveform.jpg"
	if err := store.Put(ctx, file, wname); err != nil {
		return fmt.Errorf("videomusic: couldn't store %s: %w", wname, err)
	}
	*exports = append(*exports, Export{Name: wname, Kind: "waveform"})
	return nil
}

// fileName returns the base name of a file URL path, ignoring any query or
// fragment. It returns an empty string when the URL has no usable name.
func fileName(u string) string {
	if u == "" {
		return ""
	}
	p, err := url.Parse(u)
	if err != nil {
		return ""
	}
	base := path.Base(p.Path)
	switch base {
	case ".", "/", "..":
		return ""
	}
	return base
}

func download(ctx context.Context, client *api.Client, u, output string) error {
	body, err := client.Open(ctx, u)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("videomusic: couldn't create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return apperr.Wrap(apperr.Fetch, "videomusic", "couldn't download "+u, err)
	}
	return f.Close()
}
