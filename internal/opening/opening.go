// Package opening designs the prompt that makes the AI persona speak first.
//
// A [Designer] asks a text model for a short instruction that opens the
// roleplay in character. Up to two attempts are made; the second adds strict
// persona constraints. A [LeakDetector] rejects prompts that cast the model
// as the trainee. When no acceptable prompt is produced the scenario's own
// prompt, or a generic instruction, is used instead.
package opening

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultPrompt is used when neither the model nor the scenario supply one.
const DefaultPrompt = "Begin the conversation in character."

const designerSystemPrompt = "You are a prompt designer for a roleplay AI. " +
	"Create a single concise user prompt that will be given to a roleplay model " +
	"to generate the FIRST spoken line. Output only the prompt text. " +
	"No quotes, no markdown, no JSON."

const maxAttempts = 2

// Designer produces opening prompts.
type Designer struct {
	model    llm.Provider
	detector LeakDetector
}

// Option is a functional option for [Designer].
type Option func(*Designer)

// WithDetector replaces the default [PersonaLeakDetector].
func WithDetector(d LeakDetector) Option {
	return func(g *Designer) { g.detector = d }
}

// New returns a Designer. A nil model makes Prompt return the fallback
// immediately.
func New(model llm.Provider, opts ...Option) *Designer {
	d := &Designer{model: model, detector: PersonaLeakDetector{}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Prompt returns the opening instruction for scenario. It never fails.
func (d *Designer) Prompt(ctx context.Context, scenario *practice.Scenario) string {
	if d.model == nil {
		return Fallback(scenario)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		prompt, err := d.design(ctx, scenario, attempt)
		if err != nil {
			observe.Logger(ctx).Warn("opening prompt generation failed", "scenario_id", scenario.ID, "attempt", attempt, "err", err)
			continue
		}
		if why := d.detector.Contradicts(prompt, scenario); why != "" {
			observe.Logger(ctx).Warn("opening prompt rejected", "scenario_id", scenario.ID, "attempt", attempt, "why", why)
			continue
		}
		return prompt
	}
	return Fallback(scenario)
}

func (d *Designer) design(ctx context.Context, scenario *practice.Scenario, attempt int) (string, error) {
	ctx, span := observe.StartSpan(ctx, "opening.design")
	defer span.End()
	span.SetAttributes(attribute.Int("attempt", attempt))

	resp, err := d.model.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: designerSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: buildRequest(scenario, attempt > 1)}},
		Temperature:  0.3,
	})
	if err != nil {
		observe.RecordError(span, err)
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", fmt.Errorf("opening: empty prompt")
	}
	return content, nil
}

// Fallback returns the scenario prompt, or [DefaultPrompt] when it is empty.
func Fallback(scenario *practice.Scenario) string {
	if p := strings.TrimSpace(scenario.Prompt); p != "" {
		return p
	}
	return DefaultPrompt
}

func languageLabel(lang string) string {
	if lang == "zh" {
		return "Simplified Chinese"
	}
	return "English"
}

func buildRequest(s *practice.Scenario, strict bool) string {
	ai := orDefault(s.AIPersona.Name, "the AI persona")
	trainee := orDefault(s.TraineePersona.Name, "the trainee persona")

	var b strings.Builder
	fmt.Fprintf(&b, "Language: %s\n", languageLabel(s.Language))
	fmt.Fprintf(&b, "AI persona: %s (%s). Background: %s\n", s.AIPersona.Name, s.AIPersona.Role, s.AIPersona.Background)
	fmt.Fprintf(&b, "Trainee persona: %s (%s). Background: %s\n", s.TraineePersona.Name, s.TraineePersona.Role, s.TraineePersona.Background)
	fmt.Fprintf(&b, "Scenario title: %s\n", s.Title)
	fmt.Fprintf(&b, "Scenario description: %s\n", s.Description)
	fmt.Fprintf(&b, "Objective: %s\n", s.Objective)
	b.WriteString("End criteria:\n")
	for _, ec := range s.EndCriteria {
		fmt.Fprintf(&b, "- %s\n", ec)
	}
	b.WriteString("\nRequirements:\n")
	b.WriteString("- Use the specified language only.\n")
	b.WriteString("- Keep it short (1-3 sentences).\n")
	fmt.Fprintf(&b, "- Instruct the AI to open the conversation in-character as %s.\n", ai)
	b.WriteString("- Specify a calm, professional tone consistent with the persona.\n")
	b.WriteString("- Ask a question or invite a response.\n")
	fmt.Fprintf(&b, "- Do not instruct the model to speak as %s.\n", trainee)
	if strict {
		b.WriteString("Critical constraints:\n")
		fmt.Fprintf(&b, "- The AI must speak as %s.\n", ai)
		fmt.Fprintf(&b, "- Never instruct the model to speak as %s.\n", trainee)
		fmt.Fprintf(&b, "- Do not write prompts like 'You are %s'.\n", trainee)
		fmt.Fprintf(&b, "- If you mention a persona name, only mention %s.\n", ai)
	}
	b.WriteString("Return ONLY the prompt text.")
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
