// Package blob defines the upload collaborator for turn audio.
//
// Audio files are addressed by key ("sessions/<id>/turns/<turn>.mp3"). A
// successful Put returns the key as the file id together with a URL the
// browser can fetch the audio from.
package blob

import (
	"context"
	"errors"
	"path"
)

// ErrNotFound is returned by [Reader.Get] for unknown keys.
var ErrNotFound = errors.New("blob: not found")

// Object is a stored file.
type Object struct {
	// ID is the storage key.
	ID string

	// URL is where clients can download the object.
	URL string
}

// Store uploads audio files.
//
// Implementations must be safe for concurrent use and should classify their
// errors with package retry.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*Object, error)
}

// Reader is implemented by stores that can serve their own objects.
type Reader interface {
	Get(ctx context.Context, key string) (data []byte, contentType string, err error)
}

// TurnKey returns the storage key for a turn's audio file.
func TurnKey(sessionID, turnID, ext string) string {
	return path.Join("sessions", sessionID, "turns", turnID+"."+ext)
}
