// Package genai defines the Provider interface for the generative voice/text
// model that plays the AI persona.
//
// A provider answers a conversation (optionally ending in trainee audio) with
// text and, when a voice is requested, spoken audio. It also transcribes
// trainee audio on its own so that transcription can run concurrently with
// generation.
//
// Implementations must be safe for concurrent use, should apply their own
// bounded retry on transient failures, and must classify returned errors
// with package retry.
package genai

import (
	"context"
	"errors"
)

// ErrTranscription marks a failure specific to speech recognition: the audio
// was empty or rejected by the recogniser. Transport, rate-limit and server
// failures do not wrap it.
var ErrTranscription = errors.New("genai: transcription failed")

// Role values for [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation passed to Generate.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Text is the textual content. May be empty when Audio is set.
	Text string

	// Audio is optional raw audio attached to a user message.
	Audio []byte

	// AudioFormat names the encoding of Audio ("mp3", "wav").
	AudioFormat string
}

// Voice selects spoken output.
type Voice struct {
	// Name is the provider voice identifier (e.g. "alloy").
	Name string

	// Format is the requested output encoding ("mp3", "wav", "pcm16").
	Format string
}

// Request is the input to Generate.
type Request struct {
	SystemPrompt string
	Messages     []Message

	// Voice requests audio output. Nil means text only.
	Voice *Voice

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Response is the output of Generate.
type Response struct {
	// Text is the reply text (or the transcript of the spoken reply).
	Text string

	// Audio is the spoken reply, if a voice was requested and produced.
	Audio []byte

	// AudioFormat names the encoding of Audio.
	AudioFormat string
}

// Transcription is the output of Transcribe.
type Transcription struct {
	Text     string
	Language string
}

// Provider is the abstraction over the generative model backend.
type Provider interface {
	// Generate produces the next AI turn for the conversation in req.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Transcribe converts audio in the given format to text. Recognition
	// failures wrap [ErrTranscription].
	Transcribe(ctx context.Context, audio []byte, format string) (*Transcription, error)
}
