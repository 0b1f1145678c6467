package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/provider/genai"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	generator map[string]func(ProviderEntry) (genai.Provider, error)
	llm       map[string]func(ProviderEntry) (llm.Provider, error)
	tts       map[string]func(ProviderEntry) (tts.Provider, error)
	blob      map[string]func(BlobConfig) (blob.Store, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generator: make(map[string]func(ProviderEntry) (genai.Provider, error)),
		llm:       make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts:       make(map[string]func(ProviderEntry) (tts.Provider, error)),
		blob:      make(map[string]func(BlobConfig) (blob.Store, error)),
	}
}

// RegisterGenerator registers a generative model factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGenerator(name string, factory func(ProviderEntry) (genai.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generator[name] = factory
}

// RegisterLLM registers a text completion factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a speech synthesis factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterBlob registers an audio file store factory under name.
func (r *Registry) RegisterBlob(name string, factory func(BlobConfig) (blob.Store, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blob[name] = factory
}

// CreateGenerator instantiates a generative model using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateGenerator(entry ProviderEntry) (genai.Provider, error) {
	r.mu.RLock()
	factory, ok := r.generator[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generator/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates a text completion provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a speech synthesizer using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBlob instantiates the audio file store named by cfg.Name.
func (r *Registry) CreateBlob(cfg BlobConfig) (blob.Store, error) {
	r.mu.RLock()
	factory, ok := r.blob[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: blob/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// Names returns the sorted names registered for kind ("generator", "llm",
// "tts" or "blob").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "generator":
		names = keys(r.generator)
	case "llm":
		names = keys(r.llm)
	case "tts":
		names = keys(r.tts)
	case "blob":
		names = keys(r.blob)
	}
	slices.Sort(names)
	return names
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
