package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/practice"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"generator": {"openai"},
	"llm":       {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"tts":       {"polly"},
	"blob":      {"memory", "s3"},
}

// envPattern matches ${VAR} references.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. ${VAR} references are replaced with environment values before
// decoding; unset variables expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR.
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if !cfg.Providers.Generator.Configured() {
		errs = append(errs, errors.New("providers.generator.name is required"))
	}
	validateProviderName("generator", cfg.Providers.Generator.Name)
	for i, fb := range cfg.Providers.GeneratorFallbacks {
		if !fb.Configured() {
			errs = append(errs, fmt.Errorf("providers.generator_fallbacks[%d].name is required", i))
		}
		validateProviderName("generator", fb.Name)
	}
	for role, entry := range map[string]ProviderEntry{
		"judge":     cfg.Providers.Judge,
		"evaluator": cfg.Providers.Evaluator,
		"opening":   cfg.Providers.Opening,
	} {
		validateProviderName("llm", entry.Name)
		if entry.Configured() && entry.Model == "" {
			errs = append(errs, fmt.Errorf("providers.%s.model is required", role))
		}
	}
	validateProviderName("tts", cfg.Providers.Synthesizer.Name)

	// Provider availability warnings
	if !cfg.Providers.Evaluator.Configured() {
		slog.Warn("providers.evaluator is not configured; finished sessions will not be scored")
	}
	if !cfg.Providers.Judge.Configured() {
		slog.Warn("providers.judge is not configured; sessions will only end by timeout or manual stop")
	}

	// Blob
	validateProviderName("blob", cfg.Blob.Name)
	if cfg.Blob.Name == "s3" && cfg.Blob.Bucket == "" {
		errs = append(errs, errors.New("blob.bucket is required when blob.name is s3"))
	}

	// Practice
	p := cfg.Practice
	if p.MaxActiveSessions < 0 || p.MaxPendingSessions < 0 {
		errs = append(errs, errors.New("practice session limits must not be negative"))
	}
	if p.MaxAudioBytes < 0 || p.MaxAudioBase64Chars < 0 {
		errs = append(errs, errors.New("practice audio limits must not be negative"))
	}
	if p.MaxAudioBytes > 0 && p.MaxAudioBase64Chars > 0 && p.MaxAudioBase64Chars < p.MaxAudioBytes {
		errs = append(errs, fmt.Errorf("practice.max_audio_base64_chars %d is smaller than max_audio_bytes %d", p.MaxAudioBase64Chars, p.MaxAudioBytes))
	}

	// Evaluation
	for i, d := range cfg.Evaluation.Backoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("evaluation.backoff[%d] %s is negative", i, d))
		}
	}

	// Scenario seeds
	seen := make(map[string]int, len(cfg.Scenarios))
	for i, sc := range cfg.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		if sc.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[sc.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of scenarios[%d]", prefix, sc.ID, prev))
			}
			seen[sc.ID] = i
		}
		switch sc.Status {
		case "", practice.ScenarioDraft, practice.ScenarioPublished, practice.ScenarioArchived:
		default:
			errs = append(errs, fmt.Errorf("%s.status %q is invalid; valid values: draft, published, archived", prefix, sc.Status))
		}
		if sc.IdleLimitSeconds < 0 || sc.DurationLimitSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s: limits must not be negative", prefix))
		}
		if sc.Status == practice.ScenarioPublished {
			if missing := sc.MissingPracticeFields(); len(missing) > 0 {
				slog.Warn("published scenario is incomplete and cannot be practised",
					"scenario_id", sc.ID, "missing", missing)
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
