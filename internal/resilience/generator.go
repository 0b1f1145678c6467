package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/genai"
)

// Generator implements [genai.Provider] with failover across generative
// models. Generation and transcription share each entry's breaker, so a
// backend that stops answering one stops receiving the other.
type Generator struct {
	group *FallbackGroup[genai.Provider]
}

var _ genai.Provider = (*Generator)(nil)

// NewGenerator creates a [Generator] with primary as the preferred backend.
// cfg.Kind defaults to "generate".
func NewGenerator(primary genai.Provider, primaryName string, cfg FallbackConfig) *Generator {
	if cfg.Kind == "" {
		cfg.Kind = "generate"
	}
	return &Generator{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (g *Generator) AddFallback(name string, p genai.Provider) {
	g.group.AddFallback(name, p)
}

// Group exposes the underlying group for health reporting.
func (g *Generator) Group() *FallbackGroup[genai.Provider] { return g.group }

// Generate implements genai.Provider.
func (g *Generator) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	return ExecuteWithResult(ctx, g.group, func(p genai.Provider) (*genai.Response, error) {
		return p.Generate(ctx, req)
	})
}

// Transcribe implements genai.Provider.
func (g *Generator) Transcribe(ctx context.Context, audio []byte, format string) (*genai.Transcription, error) {
	return ExecuteWithResult(ctx, g.group, func(p genai.Provider) (*genai.Transcription, error) {
		return p.Transcribe(ctx, audio, format)
	})
}
