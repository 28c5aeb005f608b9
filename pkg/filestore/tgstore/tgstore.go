package tgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/igolaizola/videomusic/pkg/log"
	"github.com/rs/zerolog"
)

// Store sends files as documents to a telegram chat.
type Store struct {
	bot   *tgbot.BotAPI
	chat  int64
	debug bool
	log   zerolog.Logger
}

func New(token string, chat int64, proxy string, debug bool) (*Store, error) {
	client := &http.Client{
		Timeout: 60 * time.Second,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("tgstore: invalid proxy %s: %w", proxy, err)
		}
		client.Transport = &http.Transport{
			Proxy: http.ProxyURL(u),
		}
	}
	bot, err := tgbot.NewBotAPIWithClient(token, client)
	if err != nil {
		return nil, fmt.Errorf("tgstore: couldn't create bot: %w", err)
	}

	// Check that chatID is valid
	if _, err := bot.GetChat(tgbot.ChatConfig{ChatID: chat}); err != nil {
		return nil, fmt.Errorf("tgstore: invalid chat id: %w", err)
	}
	return &Store{
		bot:   bot,
		chat:  chat,
		debug: debug,
		log:   log.WithComponent("tgstore"),
	}, nil
}

var backoff = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	1 * time.Minute,
}

func (s *Store) Upload(ctx context.Context, path, name string) error {
	doc := tgbot.NewDocumentUpload(s.chat, path)
	doc.Caption = name

	maxAttempts := 3
	attempts := 0
	var msg tgbot.Message
	for {
		var err error
		msg, err = s.bot.Send(doc)
		if err == nil {
			break
		}

		attempts++
		if attempts >= maxAttempts {
			return fmt.Errorf("tgstore: couldn't send file: %w", err)
		}
		idx := attempts - 1
		if idx >= len(backoff) {
			idx = len(backoff) - 1
		}
		wait := backoff[idx]
		t := time.NewTimer(wait)
		s.log.Warn().Err(err).Dur("wait", wait).Msg("retrying upload")
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("tgstore: send file cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
	fileID := FileID(&msg)
	if fileID == "" {
		js, _ := json.Marshal(msg)
		return fmt.Errorf("tgstore: message doesn't contain file: %s", string(js))
	}
	if s.debug {
		s.log.Debug().Str("name", name).Int("message", msg.MessageID).Str("file", fileID).Msg("file sent")
	}
	return nil
}

// FileID returns the id of the file attached to a message.
func FileID(msg *tgbot.Message) string {
	switch {
	case msg.Audio != nil && msg.Audio.FileID != "":
		return msg.Audio.FileID
	case msg.Video != nil && msg.Video.FileID != "":
		return msg.Video.FileID
	case msg.Voice != nil && msg.Voice.FileID != "":
		return msg.Voice.FileID
	case msg.Document != nil && msg.Document.FileID != "":
		return msg.Document.FileID
	case msg.Photo != nil && len(*msg.Photo) > 0:
		return (*msg.Photo)[0].FileID
	}
	return ""
}
