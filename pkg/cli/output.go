package cli

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	"github.com/gocarina/gocsv"
	"github.com/igolaizola/videomusic/pkg/apperr"
	"github.com/igolaizola/videomusic/pkg/controller"
	"github.com/igolaizola/videomusic/pkg/session"
	"gopkg.in/yaml.v3"
)

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func okFailed(v bool) string {
	if v {
		return "ok"
	}
	return "failed"
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("cli: couldn't encode yaml: %w", err)
	}
	return enc.Close()
}

func writeSessions(w io.Writer, format string, list []session.Summary) error {
	switch format {
	case "yaml":
		if list == nil {
			list = []session.Summary{}
		}
		return writeYAML(w, list)
	case "csv":
		if err := gocsv.Marshal(list, w); err != nil {
			return fmt.Errorf("cli: couldn't encode csv: %w", err)
		}
		return nil
	case "", "text":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATE\tTITLE\tSTYLE\tMEDIA")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Timestamp, s.Title, s.Style, media(s))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("cli: unknown format %q", format)
	}
}

func media(s session.Summary) string {
	var m string
	for _, f := range []struct {
		ok   bool
		name string
	}{{s.HasAudio, "audio"}, {s.HasImage, "image"}, {s.HasVideo, "video"}} {
		if !f.ok {
			continue
		}
		if m != "" {
			m += ","
		}
		m += f.name
	}
	if m == "" {
		return "-"
	}
	return m
}

// lockedWriter serializes writes coming from notification and state
// callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func progressLine(n controller.Notification) string {
	return fmt.Sprintf("[%3d%%] %s", n.Progress.Percentage, n.Message)
}

// printProgress prints the progress notifications of a run.
func printProgress(out io.Writer) func(controller.Notification) {
	return func(n controller.Notification) {
		switch n.Kind {
		case controller.KindProgress:
			fmt.Fprintln(out, progressLine(n))
		case controller.KindSessionUpdated:
			fmt.Fprintf(out, "session %s updated\n", n.SessionID)
		}
	}
}

// printNotification prints every notification, one line each.
func printNotification(out io.Writer) func(controller.Notification) {
	return func(n controller.Notification) {
		switch n.Kind {
		case controller.KindProgress:
			fmt.Fprintln(out, progressLine(n))
		case controller.KindFailed:
			fmt.Fprintf(out, "%s failed: %s\n", n.Command, n.Message)
		case controller.KindCompleted:
			fmt.Fprintf(out, "%s completed: %s (%s)\n", n.Command, n.Title, n.SessionID)
		default:
			fmt.Fprintf(out, "%s %s %s\n", n.Kind, n.Command, n.SessionID)
		}
	}
}

func printResult(out io.Writer, n controller.Notification, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[100%%] %s\n", n.Message)
	fmt.Fprintf(out, "session %s", n.SessionID)
	if n.Title != "" {
		fmt.Fprintf(out, " %q", n.Title)
	}
	fmt.Fprintln(out)
	if n.Session == nil {
		if n.Err != nil {
			fmt.Fprintf(out, "couldn't refresh session: %s\n", apperr.Message(n.Err))
		}
		return nil
	}
	for _, f := range n.Session.AudioFiles {
		fmt.Fprintf(out, "audio %s\n", f.URL)
	}
	if n.Session.HasImage() {
		fmt.Fprintf(out, "image %s\n", n.Session.ImageFile.URL)
	}
	if n.Session.HasVideo() {
		fmt.Fprintf(out, "video %s\n", n.Session.VideoFile.URL)
	}
	return nil
}
