package evaluation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/retry"
)

func scoringInput() Input {
	return Input{
		Session: &practice.Session{ID: "s1"},
		Scenario: &practice.Scenario{
			Title:          "Renewal",
			Objective:      "Renew the contract",
			EndCriteria:    []string{"renewed"},
			SkillSummaries: []practice.SkillSummary{{SkillID: "listening", Name: "Listening", Rubric: "Asks open questions"}},
		},
		Turns: []*practice.Turn{
			{Speaker: practice.SpeakerAI, Transcript: "Hello, how can I help?"},
			{Speaker: practice.SpeakerTrainee},
		},
	}
}

func newScorer(t *testing.T, p llm.Provider) *LLMScorer {
	t.Helper()
	s, err := NewLLMScorer(p)
	if err != nil {
		t.Fatalf("NewLLMScorer: %v", err)
	}
	return s
}

const validArgs = `{"scores":[{"skillId":"listening","rating":4,"note":"Asked good questions"}],"summary":"Well done"}`

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt(scoringInput())
	for _, want := range []string{
		"Scenario: Renewal",
		"Objective: Renew the contract",
		"- renewed",
		"listening: Listening: Asks open questions",
		"ai: Hello, how can I help?",
		"trainee: (transcript pending)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestLLMScorer_ForcedToolCall(t *testing.T) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{ID: "c1", Name: ToolName, Arguments: validArgs}},
	}}
	res, err := newScorer(t, p).Score(context.Background(), scoringInput())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Summary != "Well done" || len(res.Scores) != 1 || res.Scores[0].Rating != 4 {
		t.Errorf("result = %+v", res)
	}

	req := p.Calls()[0].Req
	if req.ToolChoice != ToolName || len(req.Tools) != 1 || req.Tools[0].Name != ToolName {
		t.Errorf("request did not force the tool: %+v", req)
	}
	if req.Tools[0].Parameters["type"] != "object" {
		t.Errorf("tool parameters = %v", req.Tools[0].Parameters)
	}
}

func TestLLMScorer_FallbackWithoutTools(t *testing.T) {
	for _, status := range []int{400, 422} {
		p := &mock.Provider{
			Responses: []*llm.CompletionResponse{nil, {Content: "Here you go: " + validArgs}},
			Errors:    []error{&retry.StatusError{Provider: "x", Status: status, Err: errors.New("tools unsupported")}, nil},
		}
		res, err := newScorer(t, p).Score(context.Background(), scoringInput())
		if err != nil {
			t.Fatalf("status %d: Score: %v", status, err)
		}
		if res.Summary != "Well done" {
			t.Errorf("status %d: result = %+v", status, res)
		}
		calls := p.Calls()
		if len(calls) != 2 || len(calls[1].Req.Tools) != 0 || calls[1].Req.ToolChoice != "" {
			t.Errorf("status %d: fallback request still offers tools", status)
		}
	}
}

func TestLLMScorer_NoFallbackOnServerError(t *testing.T) {
	p := &mock.Provider{CompleteErr: &retry.StatusError{Provider: "x", Status: 503, Err: errors.New("busy")}}
	if _, err := newScorer(t, p).Score(context.Background(), scoringInput()); err == nil {
		t.Fatal("expected error")
	}
	if p.CallCount() != 1 {
		t.Errorf("calls = %d, want 1", p.CallCount())
	}
}

func TestLLMScorer_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.CompletionResponse
	}{
		{"no payload", &llm.CompletionResponse{Content: "I cannot score this."}},
		{"invalid json", &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{Name: ToolName, Arguments: "{scores"}}}},
		{"rating out of range", &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{Name: ToolName,
			Arguments: `{"scores":[{"skillId":"a","rating":7,"note":"x"}],"summary":"s"}`}}}},
		{"missing summary", &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{Name: ToolName,
			Arguments: `{"scores":[]}`}}}},
		{"empty note", &llm.CompletionResponse{ToolCalls: []llm.ToolCall{{Name: ToolName,
			Arguments: `{"scores":[{"skillId":"a","rating":3,"note":""}],"summary":"s"}`}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mock.Provider{CompleteResponse: tt.resp}
			_, err := newScorer(t, p).Score(context.Background(), scoringInput())
			if !errors.Is(err, ErrParse) {
				t.Errorf("err = %v, want ErrParse", err)
			}
		})
	}
}
