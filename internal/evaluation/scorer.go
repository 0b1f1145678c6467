package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/retry"
)

// ErrParse marks scorer output that does not match the expected shape.
var ErrParse = errors.New("evaluation: unparseable scorer output")

// ToolName is the forced tool the evaluator model must call.
const ToolName = "evaluation_result"

const resultSchema = `{
  "type": "object",
  "properties": {
    "scores": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "skillId": {"type": "string", "minLength": 1},
          "rating": {"type": "integer", "minimum": 1, "maximum": 5},
          "note": {"type": "string", "minLength": 1}
        },
        "required": ["skillId", "rating", "note"]
      }
    },
    "summary": {"type": "string"}
  },
  "required": ["scores", "summary"]
}`

const (
	toolSystemPrompt = "You evaluate trainee performance. Use the tool call to return JSON " +
		"with scores and summary. Do not include extra text."
	jsonSystemPrompt = "Return only JSON with keys 'scores' and 'summary'. Do not include extra text."
)

// Input is everything a [Scorer] needs to rate one session.
type Input struct {
	Session  *practice.Session
	Scenario *practice.Scenario
	Turns    []*practice.Turn
}

// Result is a parsed scorer answer.
type Result struct {
	Scores  []practice.Score `json:"scores"`
	Summary string           `json:"summary"`
}

// Scorer rates a finished session.
type Scorer interface {
	Score(ctx context.Context, in Input) (*Result, error)
}

// LLMScorer asks a text model for structured scores through a forced tool
// call. Backends that reject tools (400/422) are asked again for plain JSON.
type LLMScorer struct {
	model  llm.Provider
	schema *jsonschema.Schema
	params map[string]any
}

// NewLLMScorer returns a scorer backed by model.
func NewLLMScorer(model llm.Provider) (*LLMScorer, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(ToolName+".json", strings.NewReader(resultSchema)); err != nil {
		return nil, fmt.Errorf("evaluation: add schema: %w", err)
	}
	schema, err := compiler.Compile(ToolName + ".json")
	if err != nil {
		return nil, fmt.Errorf("evaluation: compile schema: %w", err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(resultSchema), &params); err != nil {
		return nil, fmt.Errorf("evaluation: decode schema: %w", err)
	}
	return &LLMScorer{model: model, schema: schema, params: params}, nil
}

// Score implements [Scorer].
func (s *LLMScorer) Score(ctx context.Context, in Input) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "evaluation.score")
	defer span.End()

	prompt := BuildPrompt(in)
	req := llm.CompletionRequest{
		SystemPrompt: toolSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Tools: []llm.ToolDefinition{{
			Name:        ToolName,
			Description: "Report per-skill scores and an overall summary.",
			Parameters:  s.params,
		}},
		ToolChoice: ToolName,
	}

	resp, err := s.model.Complete(ctx, req)
	if status := retry.StatusCode(err); status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		observe.Logger(ctx).Info("evaluator rejected tools, retrying with plain JSON", "status", status)
		resp, err = s.model.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: jsonSystemPrompt,
			Messages:     req.Messages,
		})
	}
	if err != nil {
		observe.RecordError(span, err)
		return nil, fmt.Errorf("evaluation: score: %w", err)
	}

	res, err := s.parse(resp)
	if err != nil {
		observe.RecordError(span, err)
		return nil, err
	}
	return res, nil
}

func (s *LLMScorer) parse(resp *llm.CompletionResponse) (*Result, error) {
	raw, ok := resp.ToolArguments(ToolName)
	if !ok && len(resp.ToolCalls) > 0 {
		raw, ok = resp.ToolCalls[0].Arguments, true
	}
	if !ok {
		start := strings.Index(resp.Content, "{")
		end := strings.LastIndex(resp.Content, "}")
		if start == -1 || end < start {
			return nil, fmt.Errorf("%w: no tool call or JSON payload", ErrParse)
		}
		raw = resp.Content[start : end+1]
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty arguments", ErrParse)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for _, sc := range res.Scores {
		if err := practice.ValidateScore(sc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	if res.Scores == nil {
		res.Scores = []practice.Score{}
	}
	return &res, nil
}

// BuildPrompt renders the scoring request for in.
func BuildPrompt(in Input) string {
	sc := in.Scenario
	var b strings.Builder
	fmt.Fprintf(&b, "Scenario: %s\n", sc.Title)
	fmt.Fprintf(&b, "Objective: %s\n", sc.Objective)
	b.WriteString("End criteria:\n")
	if len(sc.EndCriteria) == 0 {
		b.WriteString("Not provided\n")
	}
	for _, ec := range sc.EndCriteria {
		fmt.Fprintf(&b, "- %s\n", ec)
	}
	b.WriteString("Skills:\n")
	for _, sk := range sc.SkillSummaries {
		fmt.Fprintf(&b, "%s: %s: %s\n", sk.SkillID, sk.Name, sk.Rubric)
	}
	b.WriteString("Transcript:\n")
	for _, t := range in.Turns {
		text := t.Transcript
		if strings.TrimSpace(text) == "" {
			text = "(transcript pending)"
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, text)
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ Scorer = (*LLMScorer)(nil)
