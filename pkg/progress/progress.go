// Package progress turns free-form status messages into a coarse percentage.
//
// The server only reports progress as human readable text, so the estimate is
// an approximation for display. Completion and failure are signalled by the
// complete and error events, not by the percentage.
package progress

import "strings"

// Color is the visual state of a progress indicator.
type Color int

const (
	Normal Color = iota
	Success
	Error
)

func (c Color) String() string {
	switch c {
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "normal"
	}
}

const (
	// Complete is the percentage of a finished run.
	Complete = 100
	// creepStep and creepCap bound the fallback estimate for unknown messages.
	creepStep = 5
	creepCap  = 98
)

// bucket matches when any of its groups matches. A group matches when every
// keyword in it is contained in the message.
type bucket struct {
	checkpoint int
	groups     [][]string
}

func (b bucket) match(msg string) bool {
	for _, g := range b.groups {
		ok := true
		for _, k := range g {
			if !strings.Contains(msg, k) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func anyOf(keywords ...string) [][]string {
	groups := make([][]string, 0, len(keywords))
	for _, k := range keywords {
		groups = append(groups, []string{k})
	}
	return groups
}

func allOf(keywords ...string) [][]string {
	return [][]string{keywords}
}

func join(groups ...[][]string) [][]string {
	var out [][]string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// buckets are evaluated in order, first match wins. Keywords are lower case.
var buckets = []bucket{
	{5, anyOf("iniciando", "creando sesión", "starting", "creating session")},
	{15, anyOf("enviando", "petición", "sending", "request")},
	{25, join(allOf("esperando", "música"), allOf("waiting", "music"))},
	{35, anyOf("estado música", "music status")},
	{50, join(allOf("descargando", "audio"), allOf("downloading", "audio"))},
	{60, anyOf("generando imagen", "enviando imagen", "generating image")},
	{70, join(allOf("esperando", "imagen"), allOf("waiting", "image"))},
	{75, anyOf("descargando imagen", "downloading image")},
	{80, join(anyOf("creando video", "creating video"), allOf("enviando", "video"))},
	{85, join(allOf("esperando", "video"), allOf("waiting", "video"))},
	{90, anyOf("descargando video", "downloading video")},
	{95, anyOf("bucle", "loop", "subtítulos", "subtitles", "karaoke")},
	{Complete, anyOf("completada", "exitosamente", "creado", "actualizado", "completed", "success", "created", "updated")},
}

// Estimate maps a status message to a percentage and a color. prior is the
// percentage currently displayed and is only used by the fallback for
// unrecognised messages.
func Estimate(message string, prior int) (int, Color) {
	msg := strings.ToLower(message)
	if strings.Contains(msg, "error") {
		return 0, Error
	}
	if prior < 0 {
		prior = 0
	}
	pct := -1
	for _, b := range buckets {
		if b.match(msg) {
			pct = b.checkpoint
			break
		}
	}
	if pct < 0 {
		pct = prior + creepStep
		if pct > creepCap {
			pct = creepCap
		}
	}
	if pct >= Complete {
		return Complete, Success
	}
	return pct, Normal
}
