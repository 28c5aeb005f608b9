package servertest

import (
	"fmt"
	"time"

	"github.com/igolaizola/videomusic/pkg/protocol"
	"github.com/igolaizola/videomusic/pkg/session"
)

// DefaultScript mimics the status messages of the real generation pipeline
// and updates the stored sessions accordingly.
func DefaultScript(s *Server, cmd protocol.Command) []protocol.Event {
	switch c := cmd.(type) {
	case protocol.GenerateSong:
		return s.song(c.Request)
	case protocol.GenerateImage:
		return s.withSession(c.SessionID, func(sess *session.Session) []protocol.Event {
			sess.ImageFile = &session.File{URL: fmt.Sprintf("/api/files/%s/%s_cover.png", sess.ID, sess.ID)}
			return append(imageEvents(sess.ID), complete(sess, "Imagen generada"))
		})
	case protocol.GenerateVideo:
		return s.withSession(c.SessionID, func(sess *session.Session) []protocol.Event {
			if sess.ImageFile == nil {
				return []protocol.Event{protocol.Error{Message: "Error: la sesión no tiene imagen"}}
			}
			sess.VideoFile = &session.File{URL: fmt.Sprintf("/api/files/%s/%s_cover_video.mp4", sess.ID, sess.ID)}
			return []protocol.Event{
				protocol.Progress{Message: "Creando video desde imagen..."},
				protocol.Progress{Message: "Esperando video..."},
				protocol.Progress{Message: "Descargando video..."},
				complete(sess, "Video creado"),
			}
		})
	case protocol.LoopVideo:
		return s.withSession(c.SessionID, func(sess *session.Session) []protocol.Event {
			if sess.VideoFile == nil {
				return []protocol.Event{protocol.Error{Message: "Error: la sesión no tiene video"}}
			}
			return []protocol.Event{
				protocol.Progress{Message: "Creando bucle de video..."},
				protocol.Progress{Message: "Añadiendo subtítulos karaoke..."},
				complete(sess, "Video en bucle creado"),
			}
		})
	}
	return nil
}

func (s *Server) song(req protocol.GenerationRequest) []protocol.Event {
	id := s.NewSessionID()
	sess := &session.Session{
		ID:              id,
		Timestamp:       session.Timestamp{Time: time.Now().UTC().Truncate(time.Second)},
		Title:           req.Title,
		Style:           req.Style,
		Lyrics:          req.Lyrics,
		OutputDirectory: "output/" + id,
		AudioFiles: []session.File{
			{Title: req.Title, URL: fmt.Sprintf("/api/files/%s/%s_1.mp3", id, id)},
		},
	}
	events := []protocol.Event{
		protocol.Progress{Message: "Iniciando generación de música..."},
		protocol.Progress{Message: "Enviando petición a Suno..."},
		protocol.Progress{Message: "Esperando música..."},
		protocol.Progress{Message: "Descargando audio..."},
	}
	if req.GenerateImage {
		sess.ImageFile = &session.File{URL: fmt.Sprintf("/api/files/%s/%s_cover.png", id, id)}
		events = append(events, imageEvents(id)...)
	}
	s.AddSession(sess)
	return append(events, complete(sess, "Música generada exitosamente"))
}

func (s *Server) withSession(id string, fn func(*session.Session) []protocol.Event) []protocol.Event {
	sess, ok := s.Session(id)
	if !ok {
		return []protocol.Event{protocol.Error{Message: fmt.Sprintf("Error: sesión %s no encontrada", id)}}
	}
	events := fn(sess)
	s.AddSession(sess)
	return events
}

func imageEvents(id string) []protocol.Event {
	return []protocol.Event{
		protocol.Progress{Message: "Generando imagen de portada..."},
		protocol.Progress{Message: "¡Imagen generada!"},
		protocol.Progress{Message: fmt.Sprintf("Imagen guardada: output/%s/%s_cover.png", id, id)},
	}
}

func complete(sess *session.Session, msg string) protocol.Event {
	return protocol.Complete{Summary: protocol.Summary{
		SessionID:       sess.ID,
		Title:           sess.Title,
		OutputDirectory: sess.OutputDirectory,
		Message:         msg,
	}}
}
