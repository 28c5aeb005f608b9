package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/igolaizola/videomusic"
	"github.com/igolaizola/videomusic/pkg/api"
	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/channel"
	"github.com/igolaizola/videomusic/pkg/controller"
	"github.com/igolaizola/videomusic/pkg/filestore"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/igolaizola/videomusic/pkg/metrics"
	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/igolaizola/videomusic/pkg/session"
	"github.com/peterbourgon/ff/ffyaml"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

const envPrefix = "VIDEOMUSIC"

func New(version, commit, date string) *ffcli.Command {
	return newRoot(os.Stdout, version, commit, date)
}

func newRoot(out io.Writer, version, commit, date string) *ffcli.Command {
	fs := flag.NewFlagSet("videomusic", flag.ExitOnError)
	out = &lockedWriter{w: out}

	return &ffcli.Command{
		ShortUsage: "videomusic [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newVersionCommand(out, version, commit, date),
			newLoginCommand(out),
			newLogoutCommand(out),
			newWhoamiCommand(out),
			newStatusCommand(out),
			newConfigCommand(out),
			newValidateCommand(out),
			newLyricsCommand(out),
			newSessionsCommand(out),
			newSessionCommand(out),
			newSongCommand(out),
			newImageCommand(out),
			newVideoCommand(out),
			newLoopCommand(out),
			newDownloadCommand(out),
			newWatchCommand(out),
		},
	}
}

func newVersionCommand(out io.Writer, version, commit, date string) *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "videomusic version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if commit != "" {
				versionFields = append(versionFields, commit)
			}
			if date != "" {
				versionFields = append(versionFields, date)
			}
			fmt.Fprintln(out, strings.Join(versionFields, " "))
			return nil
		},
	}
}

// clientConfig holds the flags shared by every command talking to the server.
type clientConfig struct {
	videomusic.Config
	MetricsAddr string
}

func clientFlags(fs *flag.FlagSet) *clientConfig {
	_ = fs.String("config", "", "config file (optional)")

	cfg := &clientConfig{}
	fs.StringVar(&cfg.Server, "server", "http://localhost:8000", "server base url (http or https)")
	fs.StringVar(&cfg.Token, "token", "", "session token (overrides token file)")
	fs.StringVar(&cfg.TokenFile, "token-file", "", "file where the session token is stored")
	fs.BoolVar(&cfg.Auth, "auth", false, "require a session token to open the channel")
	fs.StringVar(&cfg.ClientID, "client-id", "", "client identity (random uuid if empty)")
	fs.StringVar(&cfg.Proxy, "proxy", "", "proxy to use")
	fs.BoolVar(&cfg.Debug, "debug", false, "debug mode")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "timeout for the command (0 means no timeout)")
	fs.DurationVar(&cfg.Keepalive, "keepalive", 30*time.Second, "keepalive interval of the channel")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 3*time.Second, "delay between reconnection attempts")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (disabled if empty)")
	return cfg
}

func options() []ff.Option {
	return []ff.Option{
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parser),
		ff.WithEnvVarPrefix(envPrefix),
	}
}

// displayError prints the human readable message of err and unwraps to it.
type displayError struct {
	err error
}

func (e *displayError) Error() string { return apperr.Message(e.err) }
func (e *displayError) Unwrap() error { return e.err }

// withClient opens a client, optionally connects its channel and runs fn.
func withClient(ctx context.Context, cfg *clientConfig, connect bool, fn func(context.Context, *videomusic.Client) error) error {
	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{Level: level, Console: true})

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	c, err := videomusic.Open(ctx, &cfg.Config)
	if err != nil {
		return &displayError{err}
	}
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, c.Metrics)
		defer stop()
	}
	if connect {
		if err := c.Connect(ctx); err != nil {
			_ = c.Close()
			return &displayError{err}
		}
		defer func() { _ = c.Close() }()
	}
	if err := fn(ctx, c); err != nil {
		return &displayError{err}
	}
	return nil
}

func serveMetrics(addr string, m *metrics.Metrics) func() {
	logger := log.WithComponent("metrics")
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func newLoginCommand(out io.Writer) *ffcli.Command {
	cmd := "login"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var username, password string
	fs.StringVar(&username, "username", "", "username")
	fs.StringVar(&password, "password", "", "password")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "log in and store the session token",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if username == "" || password == "" {
				return errors.New("username and password are required")
			}
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				user, err := c.Login(ctx, username, password)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "logged in as %s\n", user.Username)
				if cfg.TokenFile == "" {
					fmt.Fprintln(out, c.API.Token())
				}
				return nil
			})
		},
	}
}

func newLogoutCommand(out io.Writer) *ffcli.Command {
	cmd := "logout"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "end the session and remove the stored token",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				if err := c.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "logged out")
				return nil
			})
		},
	}
}

func newWhoamiCommand(out io.Writer) *ffcli.Command {
	cmd := "whoami"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "print the logged in user",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				user, err := c.API.Me(ctx)
				if err != nil {
					return err
				}
				admin := ""
				if user.IsAdmin {
					admin = " (admin)"
				}
				fmt.Fprintf(out, "%s <%s>%s\n", user.Username, user.Email, admin)
				return nil
			})
		},
	}
}

func newStatusCommand(out io.Writer) *ffcli.Command {
	cmd := "status"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "print which integrations are configured",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				st, err := c.API.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "suno: %s\n", yesNo(st.SunoConfigured))
				fmt.Fprintf(out, "replicate: %s\n", yesNo(st.ReplicateConfigured))
				fmt.Fprintf(out, "openai: %s\n", yesNo(st.OpenAIConfigured))
				fmt.Fprintf(out, "ready: %s\n", yesNo(st.Ready))
				return nil
			})
		},
	}
}

func newConfigCommand(out io.Writer) *ffcli.Command {
	cmd := "config"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var set bool
	var settings api.Settings
	fs.BoolVar(&set, "set", false, "store the settings given by flags instead of printing them")
	fs.StringVar(&settings.SunoAPIKey, "suno-api-key", "", "suno api key (empty keeps the stored one)")
	fs.StringVar(&settings.SunoBaseURL, "suno-base-url", "", "suno base url")
	fs.StringVar(&settings.ReplicateAPIToken, "replicate-api-token", "", "replicate api token (empty keeps the stored one)")
	fs.StringVar(&settings.OpenAIAPIKey, "openai-api-key", "", "openai api key (empty keeps the stored one)")
	fs.StringVar(&settings.OpenAIAssistantID, "openai-assistant-id", "", "openai assistant id")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "show or update the integration settings",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				if set {
					if err := c.API.UpdateConfig(ctx, settings); err != nil {
						return err
					}
					fmt.Fprintln(out, "settings updated")
					return nil
				}
				s, err := c.API.Config(ctx)
				if err != nil {
					return err
				}
				return writeYAML(out, s)
			})
		},
	}
}

func newValidateCommand(out io.Writer) *ffcli.Command {
	cmd := "validate"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "check the connectivity of the configured integrations",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				results, err := c.API.ValidateAPIs(ctx)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "no integrations configured")
				}
				for _, r := range results {
					fmt.Fprintf(out, "%s: %s %s\n", r.Name, okFailed(r.Valid), r.Message)
				}
				return nil
			})
		},
	}
}

func newLyricsCommand(out io.Writer) *ffcli.Command {
	cmd := "lyrics"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var description string
	fs.StringVar(&description, "description", "", "description of the song")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "write lyrics from a description",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				lyrics, err := c.API.GenerateLyrics(ctx, description)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, lyrics)
				return nil
			})
		},
	}
}

func newSessionsCommand(out io.Writer) *ffcli.Command {
	cmd := "sessions"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var query, format string
	fs.StringVar(&query, "query", "", "filter by title or style")
	fs.StringVar(&format, "format", "text", "output format (text, yaml, csv)")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "list the generation sessions",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				list, err := c.Sessions.List(ctx)
				if err != nil {
					return err
				}
				return writeSessions(out, format, session.Filter(list, query))
			})
		},
	}
}

func newSessionCommand(out io.Writer) *ffcli.Command {
	cmd := "session"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var id string
	fs.StringVar(&id, "id", "", "session id")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "print the detail of a session",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				sess, err := c.Sessions.Get(ctx, id)
				if err != nil {
					return err
				}
				return writeYAML(out, sess)
			})
		},
	}
}

func newSongCommand(out io.Writer) *ffcli.Command {
	cmd := "song"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	req := protocol.NewGenerationRequest("", "", "")
	var lyricsFile, model string
	fs.StringVar(&req.Lyrics, "lyrics", "", "lyrics of the song")
	fs.StringVar(&lyricsFile, "lyrics-file", "", "file to read the lyrics from")
	fs.StringVar(&req.Title, "title", "", "title of the song")
	fs.StringVar(&req.Style, "style", "", "style of the song")
	fs.StringVar(&model, "model", string(protocol.DefaultModel), "model (V3_5, V4, V4_5)")
	fs.BoolVar(&req.CustomMode, "custom-mode", true, "custom mode")
	fs.BoolVar(&req.Instrumental, "instrumental", false, "instrumental song")
	fs.BoolVar(&req.GenerateImage, "generate-image", true, "generate a cover image")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "generate a song and wait for it",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if lyricsFile != "" {
				b, err := os.ReadFile(lyricsFile)
				if err != nil {
					return fmt.Errorf("couldn't read lyrics file: %w", err)
				}
				req.Lyrics = string(b)
			}
			req.Model = protocol.Model(model)
			return withClient(ctx, cfg, true, func(ctx context.Context, c *videomusic.Client) error {
				n, err := c.GenerateSong(ctx, req, printProgress(out))
				return printResult(out, n, err)
			})
		},
	}
}

func newImageCommand(out io.Writer) *ffcli.Command {
	return newSessionRunCommand(out, "image", "generate the cover image of a session",
		func(ctx context.Context, c *videomusic.Client, id string, fn func(controller.Notification)) (controller.Notification, error) {
			return c.GenerateImage(ctx, id, fn)
		})
}

func newVideoCommand(out io.Writer) *ffcli.Command {
	return newSessionRunCommand(out, "video", "generate the video of a session from its image",
		func(ctx context.Context, c *videomusic.Client, id string, fn func(controller.Notification)) (controller.Notification, error) {
			return c.GenerateVideo(ctx, id, fn)
		})
}

type sessionRun func(context.Context, *videomusic.Client, string, func(controller.Notification)) (controller.Notification, error)

func newSessionRunCommand(out io.Writer, cmd, help string, run sessionRun) *ffcli.Command {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var id string
	fs.StringVar(&id, "id", "", "session id")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  help,
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, true, func(ctx context.Context, c *videomusic.Client) error {
				n, err := run(ctx, c, id, printProgress(out))
				return printResult(out, n, err)
			})
		},
	}
}

func newLoopCommand(out io.Writer) *ffcli.Command {
	cmd := "loop"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var id, animation, position string
	var subtitles bool
	sub := protocol.DefaultSubtitleConfig()
	fs.StringVar(&id, "id", "", "session id")
	fs.BoolVar(&subtitles, "subtitles", true, "send a subtitle configuration (server defaults otherwise)")
	fs.IntVar(&sub.FontSize, "font-size", sub.FontSize, "subtitle font size")
	fs.StringVar(&sub.FontColor, "font-color", sub.FontColor, "subtitle font color (#rrggbb)")
	fs.StringVar(&sub.OutlineColor, "outline-color", sub.OutlineColor, "subtitle outline color (#rrggbb)")
	fs.IntVar(&sub.OutlineWidth, "outline-width", sub.OutlineWidth, "subtitle outline width")
	fs.StringVar(&animation, "animation", string(sub.Animation), "subtitle animation (karaoke, fade, bounce, none)")
	fs.StringVar(&position, "position", string(sub.Position), "subtitle position (bottom, center, top)")
	fs.BoolVar(&sub.EnableSyncAdjustment, "sync-adjustment", sub.EnableSyncAdjustment, "adjust subtitle timing to the audio")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "create a video loop of the whole song with subtitles",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			var subCfg *protocol.SubtitleConfig
			if subtitles {
				sub.Animation = protocol.Animation(animation)
				sub.Position = protocol.Position(position)
				subCfg = &sub
			}
			return withClient(ctx, cfg, true, func(ctx context.Context, c *videomusic.Client) error {
				n, err := c.LoopVideo(ctx, id, subCfg, printProgress(out))
				return printResult(out, n, err)
			})
		},
	}
}

func newDownloadCommand(out io.Writer) *ffcli.Command {
	cmd := "download"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	var id, fsType, fsConn string
	var waveform bool
	fs.StringVar(&id, "id", "", "session id")
	fs.StringVar(&fsType, "fs-type", "local", "fs type (local, s3, telegram)")
	fs.StringVar(&fsConn, "fs-conn", "", "path for local, key:secret@bucket.region for s3, token@chat for telegram")
	fs.BoolVar(&waveform, "waveform", false, "store a waveform image of each audio track")

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "download the media of a session into a file store",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			store, err := filestore.New(fsType, fsConn, cfg.Proxy, cfg.Debug)
			if err != nil {
				return err
			}
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				exports, err := c.Download(ctx, id, store, waveform)
				for _, e := range exports {
					line := fmt.Sprintf("%s %s", e.Kind, e.Name)
					if e.Duration > 0 {
						line += fmt.Sprintf(" %s %.1f dBFS", e.Duration.Round(time.Millisecond), e.Loudness)
					}
					fmt.Fprintln(out, line)
				}
				return err
			})
		},
	}
}

func newWatchCommand(out io.Writer) *ffcli.Command {
	cmd := "watch"
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := clientFlags(fs)

	return &ffcli.Command{
		Name:       cmd,
		ShortUsage: fmt.Sprintf("videomusic %s [flags]", cmd),
		Options:    options(),
		ShortHelp:  "stay connected and print every notification",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return withClient(ctx, cfg, false, func(ctx context.Context, c *videomusic.Client) error {
				c.Channel.OnStateChange(func(s channel.State) {
					fmt.Fprintf(out, "channel %s\n", s)
				})
				cancel := c.Controller.Subscribe(printNotification(out))
				defer cancel()
				if err := c.Connect(ctx); err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				<-ctx.Done()
				return nil
			})
		},
	}
}
