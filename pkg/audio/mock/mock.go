// Package mock provides a test double for the audio.Transcoder interface.
//
// By default the mock returns its input unchanged, prefixed with Prefix, so
// tests can tell transcoded bytes from raw bytes.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Transcoder is a mock implementation of [audio.Transcoder].
type Transcoder struct {
	mu sync.Mutex

	// Prefix is prepended to the input to form the output.
	Prefix string

	// Err, if non-nil, is returned by every call.
	Err error

	// FailOn, if set, makes calls whose input equals FailOn return
	// audio.ErrConversion while others succeed.
	FailOn []byte

	// Inputs records the data passed to each call.
	Inputs [][]byte
}

// ToCanonical implements [audio.Transcoder].
func (m *Transcoder) ToCanonical(_ context.Context, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inputs = append(m.Inputs, append([]byte(nil), data...))
	if m.Err != nil {
		return nil, m.Err
	}
	if m.FailOn != nil && string(m.FailOn) == string(data) {
		return nil, audio.ErrConversion
	}
	return append([]byte(m.Prefix), data...), nil
}

// CallCount returns the number of ToCanonical calls.
func (m *Transcoder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inputs)
}

var _ audio.Transcoder = (*Transcoder)(nil)
