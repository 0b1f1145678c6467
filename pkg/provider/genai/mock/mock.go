// Package mock provides a test double for the genai.Provider interface.
//
// GenerateDelay and TranscribeDelay make the mock sleep before answering so
// tests can assert on concurrency (total wall time of a join).
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/genai"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	Req genai.Request
	At  time.Time
}

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Audio  []byte
	Format string
	At     time.Time
}

// Provider is a mock implementation of genai.Provider.
type Provider struct {
	mu sync.Mutex

	// GenerateResult is returned by Generate unless GenerateErr is set.
	GenerateResult *genai.Response
	GenerateErr    error
	GenerateDelay  time.Duration

	// TranscribeResult is returned by Transcribe unless TranscribeErr is set.
	TranscribeResult *genai.Transcription
	TranscribeErr    error
	TranscribeDelay  time.Duration

	GenerateCalls   []GenerateCall
	TranscribeCalls []TranscribeCall
}

// Generate records the call, waits GenerateDelay and returns the configured result.
func (p *Provider) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Req: req, At: time.Now()})
	res, err, delay := p.GenerateResult, p.GenerateErr, p.GenerateDelay
	p.mu.Unlock()

	if serr := sleep(ctx, delay); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &genai.Response{}, nil
	}
	cp := *res
	return &cp, nil
}

// Transcribe records the call, waits TranscribeDelay and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, format string) (*genai.Transcription, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Audio: audio, Format: format, At: time.Now()})
	res, err, delay := p.TranscribeResult, p.TranscribeErr, p.TranscribeDelay
	p.mu.Unlock()

	if serr := sleep(ctx, delay); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &genai.Transcription{}, nil
	}
	cp := *res
	return &cp, nil
}

// CallCount returns the number of calls to the named method ("Generate" or
// "Transcribe").
func (p *Provider) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch method {
	case "Generate":
		return len(p.GenerateCalls)
	case "Transcribe":
		return len(p.TranscribeCalls)
	}
	return 0
}

// LastGenerate returns the most recent Generate request.
func (p *Provider) LastGenerate() (genai.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.GenerateCalls) == 0 {
		return genai.Request{}, false
	}
	return p.GenerateCalls[len(p.GenerateCalls)-1].Req, true
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.TranscribeCalls = nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ genai.Provider = (*Provider)(nil)
