package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/igolaizola/videomusic/pkg/apperr"
)

// Model is the music model version requested to the server.
type Model string

const (
	ModelV3_5 Model = "V3_5"
	ModelV4   Model = "V4"
	ModelV4_5 Model = "V4_5"

	DefaultModel = ModelV4_5
)

// Models lists the accepted model identifiers.
var Models = []Model{ModelV3_5, ModelV4, ModelV4_5}

// Valid reports whether m is a known model.
func (m Model) Valid() bool {
	for _, v := range Models {
		if m == v {
			return true
		}
	}
	return false
}

// GenerationRequest describes a song to generate.
type GenerationRequest struct {
	Lyrics        string `json:"lyrics" yaml:"lyrics"`
	Title         string `json:"title" yaml:"title"`
	Style         string `json:"style" yaml:"style"`
	Model         Model  `json:"model" yaml:"model"`
	CustomMode    bool   `json:"custom_mode" yaml:"custom_mode"`
	Instrumental  bool   `json:"instrumental" yaml:"instrumental"`
	GenerateImage bool   `json:"generate_image" yaml:"generate_image"`
}

// NewGenerationRequest returns a request with the defaults used by the web form.
func NewGenerationRequest(lyrics, title, style string) GenerationRequest {
	return GenerationRequest{
		Lyrics:        lyrics,
		Title:         title,
		Style:         style,
		Model:         DefaultModel,
		CustomMode:    true,
		GenerateImage: true,
	}
}

// Normalize trims text fields and fills the default model.
func (r GenerationRequest) Normalize() GenerationRequest {
	r.Lyrics = strings.TrimSpace(r.Lyrics)
	r.Title = strings.TrimSpace(r.Title)
	r.Style = strings.TrimSpace(r.Style)
	if r.Model == "" {
		r.Model = DefaultModel
	}
	return r
}

// Validate checks the request can be sent.
func (r GenerationRequest) Validate() error {
	r = r.Normalize()
	switch {
	case r.Lyrics == "":
		return apperr.New(apperr.Validation, "protocol", "lyrics are required")
	case r.Title == "":
		return apperr.New(apperr.Validation, "protocol", "title is required")
	case r.Style == "":
		return apperr.New(apperr.Validation, "protocol", "style is required")
	case !r.Model.Valid():
		return apperr.New(apperr.Validation, "protocol", fmt.Sprintf("unknown model %q", r.Model))
	}
	return nil
}

// Animation is the subtitle animation style.
type Animation string

const (
	AnimationKaraoke Animation = "karaoke"
	AnimationFade    Animation = "fade"
	AnimationBounce  Animation = "bounce"
	AnimationNone    Animation = "none"
)

// Position is the subtitle placement.
type Position string

const (
	PositionBottom Position = "bottom"
	PositionCenter Position = "center"
	PositionTop    Position = "top"
)

// SubtitleConfig customises the subtitles burnt into a video loop.
type SubtitleConfig struct {
	FontSize             int       `json:"fontSize" yaml:"font_size"`
	FontColor            string    `json:"fontColor" yaml:"font_color"`
	OutlineColor         string    `json:"outlineColor" yaml:"outline_color"`
	OutlineWidth         int       `json:"outlineWidth" yaml:"outline_width"`
	Animation            Animation `json:"animation" yaml:"animation"`
	Position             Position  `json:"position" yaml:"position"`
	EnableSyncAdjustment bool      `json:"enableSyncAdjustment" yaml:"enable_sync_adjustment"`
}

// DefaultSubtitleConfig returns the values the server falls back to.
func DefaultSubtitleConfig() SubtitleConfig {
	return SubtitleConfig{
		FontSize:             36,
		FontColor:            "#ffffff",
		OutlineColor:         "#000000",
		OutlineWidth:         2,
		Animation:            AnimationKaraoke,
		Position:             PositionBottom,
		EnableSyncAdjustment: true,
	}
}

var colorRegexp = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Validate checks the subtitle configuration values.
func (c SubtitleConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return apperr.New(apperr.Validation, "protocol", fmt.Sprintf(format, args...))
	}
	switch {
	case c.FontSize <= 0:
		return invalid("font size must be positive, got %d", c.FontSize)
	case c.OutlineWidth < 0:
		return invalid("outline width can't be negative, got %d", c.OutlineWidth)
	case !colorRegexp.MatchString(c.FontColor):
		return invalid("invalid font color %q", c.FontColor)
	case !colorRegexp.MatchString(c.OutlineColor):
		return invalid("invalid outline color %q", c.OutlineColor)
	}
	switch c.Animation {
	case AnimationKaraoke, AnimationFade, AnimationBounce, AnimationNone:
	default:
		return invalid("unknown animation %q", c.Animation)
	}
	switch c.Position {
	case PositionBottom, PositionCenter, PositionTop:
	default:
		return invalid("unknown position %q", c.Position)
	}
	return nil
}
