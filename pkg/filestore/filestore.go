// Package filestore exports session media to a local folder, an s3 bucket or
// a telegram chat.
package filestore

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/igolaizola/videomusic/pkg/filestore/local"
	"github.com/igolaizola/videomusic/pkg/filestore/s3"
	"github.com/igolaizola/videomusic/pkg/filestore/tgstore"
)

type fs interface {
	Upload(ctx context.Context, path, name string) error
}

type Store struct {
	typ string
	fs  fs
}

// Put stores the local file at path under name.
func (s *Store) Put(ctx context.Context, path, name string) error {
	return s.fs.Upload(ctx, path, name)
}

// Type returns the storage backend name.
func (s *Store) Type() string {
	return s.typ
}

// New creates a store. The connection string depends on the type:
//
//	local: output folder
//	s3: key:secret@bucket.region
//	telegram: token@chat
func New(typ, conn, proxy string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "telegram":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid telegram connection string %q", conn)
		}
		token := split[0]
		chat, err := strconv.ParseInt(split[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("filestore: invalid telegram chat id %q: %w", split[1], err)
		}
		candidate, err := tgstore.New(token, chat, proxy, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		key := auth[0]
		secret := auth[1]
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
		}
		bucket := loc[0]
		region := loc[1]
		candidate, err := s3.New(key, secret, region, bucket, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local", "":
		typ = "local"
		if conn == "" {
			conn = "."
		}
		fs = local.New(conn)
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{typ: typ, fs: fs}, nil
}

// Name returns the object name of a session file.
func Name(sessionID, file string) string {
	return path.Join(sessionID, path.Base(file))
}
