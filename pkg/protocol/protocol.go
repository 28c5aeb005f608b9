// Package protocol defines the commands and events exchanged over the duplex
// channel and their JSON encoding.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/igolaizola/videomusic/pkg/apperr"
)

// Command is sent from the client to the server. The set is closed: Ping,
// GenerateSong, GenerateImage, GenerateVideo and LoopVideo.
type Command interface {
	// Name returns the wire discriminant.
	Name() string
	command()
}

type Ping struct{}

type GenerateSong struct {
	Request GenerationRequest
}

type GenerateImage struct {
	SessionID string
}

type GenerateVideo struct {
	SessionID string
}

type LoopVideo struct {
	SessionID string
	Subtitles *SubtitleConfig
}

func (Ping) Name() string          { return "ping" }
func (GenerateSong) Name() string  { return "generate_song" }
func (GenerateImage) Name() string { return "generate_image" }
func (GenerateVideo) Name() string { return "generate_video" }
func (LoopVideo) Name() string     { return "loop_video" }

func (Ping) command()          {}
func (GenerateSong) command()  {}
func (GenerateImage) command() {}
func (GenerateVideo) command() {}
func (LoopVideo) command()     {}

type commandFrame struct {
	Command        string             `json:"command"`
	Request        *GenerationRequest `json:"request,omitempty"`
	SessionID      string             `json:"session_id,omitempty"`
	SubtitleConfig *SubtitleConfig    `json:"subtitle_config,omitempty"`
}

// EncodeCommand serializes a command as a JSON frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	f := commandFrame{}
	switch c := cmd.(type) {
	case Ping:
		f.Command = c.Name()
	case GenerateSong:
		req := c.Request.Normalize()
		f.Command = c.Name()
		f.Request = &req
	case GenerateImage:
		f.Command = c.Name()
		f.SessionID = c.SessionID
	case GenerateVideo:
		f.Command = c.Name()
		f.SessionID = c.SessionID
	case LoopVideo:
		f.Command = c.Name()
		f.SessionID = c.SessionID
		f.SubtitleConfig = c.Subtitles
	default:
		return nil, fmt.Errorf("protocol: unknown command %T", cmd)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: couldn't marshal %s: %w", f.Command, err)
	}
	return b, nil
}

// ValidateCommand checks the command payload before it is sent.
func ValidateCommand(cmd Command) error {
	missing := func() error {
		return apperr.New(apperr.Validation, "protocol", "session id is required")
	}
	switch c := cmd.(type) {
	case Ping:
		return nil
	case GenerateSong:
		return c.Request.Validate()
	case GenerateImage:
		if c.SessionID == "" {
			return missing()
		}
	case GenerateVideo:
		if c.SessionID == "" {
			return missing()
		}
	case LoopVideo:
		if c.SessionID == "" {
			return missing()
		}
		if c.Subtitles != nil {
			return c.Subtitles.Validate()
		}
	default:
		return apperr.New(apperr.Validation, "protocol", fmt.Sprintf("unknown command %T", cmd))
	}
	return nil
}

// DecodeCommand parses a command frame. The client never receives commands;
// this is the server side of EncodeCommand.
func DecodeCommand(b []byte) (Command, error) {
	var f commandFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, apperr.Wrap(apperr.ChannelDecode, "protocol", "couldn't unmarshal command", err)
	}
	switch f.Command {
	case "ping":
		return Ping{}, nil
	case "generate_song":
		if f.Request == nil {
			return nil, apperr.New(apperr.ChannelDecode, "protocol", "generate_song without request")
		}
		return GenerateSong{Request: *f.Request}, nil
	case "generate_image":
		return GenerateImage{SessionID: f.SessionID}, nil
	case "generate_video":
		return GenerateVideo{SessionID: f.SessionID}, nil
	case "loop_video":
		return LoopVideo{SessionID: f.SessionID, Subtitles: f.SubtitleConfig}, nil
	default:
		return nil, apperr.New(apperr.ChannelDecode, "protocol", fmt.Sprintf("unknown command %q", f.Command))
	}
}
