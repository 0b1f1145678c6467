package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// Completer implements [llm.Provider] with failover across text completion
// backends.
type Completer struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*Completer)(nil)

// NewCompleter creates a [Completer] with primary as the preferred backend.
// cfg.Kind defaults to "complete".
func NewCompleter(primary llm.Provider, primaryName string, cfg FallbackConfig) *Completer {
	if cfg.Kind == "" {
		cfg.Kind = "complete"
	}
	return &Completer{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (c *Completer) AddFallback(name string, p llm.Provider) {
	c.group.AddFallback(name, p)
}

// Complete implements llm.Provider.
func (c *Completer) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, c.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's capabilities. Fallbacks are expected to
// offer at least as much.
func (c *Completer) Capabilities() llm.ModelCapabilities {
	return c.group.entries[0].value.Capabilities()
}
