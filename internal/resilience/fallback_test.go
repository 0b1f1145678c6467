package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/genai"
	genaimock "github.com/MrWong99/parley/pkg/provider/genai/mock"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func testConfig(t *testing.T, maxFailures int) FallbackConfig {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return FallbackConfig{
		Kind:           "test",
		Metrics:        m,
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	}
}

func TestFallbackGroup_Execute(t *testing.T) {
	tests := []struct {
		name       string
		failing    []string
		wantCalled []string
		wantErr    error
	}{
		{"primary succeeds", nil, []string{"primary"}, nil},
		{"fails over", []string{"primary"}, []string{"primary", "secondary"}, nil},
		{"all fail", []string{"primary", "secondary"}, []string{"primary", "secondary"}, ErrAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("primary", "primary", testConfig(t, 3))
			fg.AddFallback("secondary", "secondary")

			var called []string
			err := fg.Execute(context.Background(), func(v string) error {
				called = append(called, v)
				if slices.Contains(tt.failing, v) {
					return errTest
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !errors.Is(err, errTest) {
				t.Errorf("err = %v should also wrap the provider error", err)
			}
			if !slices.Equal(called, tt.wantCalled) {
				t.Errorf("called = %v, want %v", called, tt.wantCalled)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", testConfig(t, 2))
	fg.AddFallback("secondary", "secondary")

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary state = %v, want open", got)
	}

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(called, []string{"secondary"}) {
		t.Fatalf("called = %v, want only secondary", called)
	}
}

func TestFallbackGroup_StopsWhenContextDone(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", testConfig(t, 3))
	fg.AddFallback("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var called []string
	err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("a cancelled call is not an all-failed result")
	}
	if !slices.Equal(called, []string{"primary"}) {
		t.Errorf("called = %v, want only primary", called)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := NewFallbackGroup(1, "one", testConfig(t, 1))
	fg.AddFallback("two", 2)
	if got := fg.Names(); !slices.Equal(got, []string{"one", "two"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", testConfig(t, 3))
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestGenerator_FailsOverBothCalls(t *testing.T) {
	primary := &genaimock.Provider{
		GenerateErr:   errTest,
		TranscribeErr: errTest,
	}
	secondary := &genaimock.Provider{
		GenerateResult:   &genai.Response{Text: "hello from fallback"},
		TranscribeResult: &genai.Transcription{Text: "trainee said hi"},
	}
	g := NewGenerator(primary, "primary", testConfig(t, 5))
	g.AddFallback("secondary", secondary)

	resp, err := g.Generate(context.Background(), genai.Request{SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello from fallback" {
		t.Errorf("Generate text = %q", resp.Text)
	}
	tr, err := g.Transcribe(context.Background(), []byte("mp3"), "mp3")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "trainee said hi" {
		t.Errorf("Transcribe text = %q", tr.Text)
	}
	if len(primary.GenerateCalls) != 1 || len(primary.TranscribeCalls) != 1 {
		t.Errorf("primary calls: generate=%d transcribe=%d", len(primary.GenerateCalls), len(primary.TranscribeCalls))
	}
	if got := g.Group().Names(); !slices.Equal(got, []string{"primary", "secondary"}) {
		t.Errorf("group names = %v", got)
	}
}

func TestGenerator_SingleProviderErrorIsWrapped(t *testing.T) {
	g := NewGenerator(&genaimock.Provider{GenerateErr: errTest}, "only", testConfig(t, 5))

	_, err := g.Generate(context.Background(), genai.Request{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the provider error", err)
	}
}

func TestCompleter(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr:       errTest,
		ModelCapabilities: llm.ModelCapabilities{SupportsToolCalling: true, ContextWindow: 128000},
	}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "continue"}}
	c := NewCompleter(primary, "primary", testConfig(t, 5))
	c.AddFallback("secondary", secondary)

	resp, err := c.Complete(context.Background(), llm.CompletionRequest{SystemPrompt: "judge"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "continue" {
		t.Errorf("Content = %q", resp.Content)
	}
	if caps := c.Capabilities(); !caps.SupportsToolCalling || caps.ContextWindow != 128000 {
		t.Errorf("Capabilities should come from the primary, got %+v", caps)
	}
}
