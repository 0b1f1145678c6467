// Package tts defines the Provider interface for Text-to-Speech backends.
//
// Parley only synthesises whole AI replies, so the interface is a single
// request/response call rather than a stream. It is used when the generative
// model answered with text but no audio.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects the synthesised voice.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g. "Joanna").
	ID string

	// Language is an optional BCP-47 language code ("en-US", "de-DE").
	Language string
}

// Audio is the result of a synthesis call.
type Audio struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// Format names the encoding of Data ("mp3", "ogg", "pcm").
	Format string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to speech with the given voice. An empty text
	// is an error.
	Synthesize(ctx context.Context, text string, voice Voice) (*Audio, error)
}
