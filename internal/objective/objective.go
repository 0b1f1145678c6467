// Package objective judges whether a practice conversation has reached its
// scenario objective.
//
// A [Checker] asks a judging model for a JSON verdict and classifies the
// answer as continue, succeeded or failed. Each attempt runs under a short
// fixed timeout with a single retry for retryable failures. Every failure of
// the judge itself, and every answer that is not a clear verdict, degrades to
// [Continue]: an unavailable or vague judge must never end a session.
package objective

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/retry"
)

// Status is the judge's classification of a transcript.
type Status string

const (
	Continue  Status = "continue"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
)

// Verdict is the result of [Checker.Check].
type Verdict struct {
	Status Status
	Reason string
}

// Terminal reports whether the verdict ends the session.
func (v Verdict) Terminal() bool {
	return v.Status == Succeeded || v.Status == Failed
}

const (
	defaultTimeout      = 8 * time.Second
	defaultRetries      = 1
	defaultRetryBackoff = 250 * time.Millisecond
)

const systemPrompt = "You judge roleplay practice conversations. " +
	"Decide whether the scenario objective has been achieved, has definitively failed, " +
	"or whether the conversation should continue. " +
	`Reply with JSON only: {"status": "continue|succeeded|failed", "reason": "<one sentence>"}.`

// Checker classifies transcripts against a scenario objective.
type Checker struct {
	judge   llm.Provider
	timeout time.Duration
	retries int
	backoff time.Duration
	metrics *observe.Metrics
}

// Option is a functional option for [Checker].
type Option func(*Checker)

// WithTimeout sets the per-attempt deadline. Default 8s.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how many times a failed attempt is repeated. Default 1.
func WithRetries(n int) Option {
	return func(c *Checker) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithRetryBackoff sets the pause between attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Checker) { c.backoff = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Checker) { c.metrics = m }
}

// New returns a Checker backed by judge. A nil judge yields a checker that
// always answers [Continue].
func New(judge llm.Provider, opts ...Option) *Checker {
	c := &Checker{
		judge:   judge,
		timeout: defaultTimeout,
		retries: defaultRetries,
		backoff: defaultRetryBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Check classifies transcript against objective and endCriteria. It never
// returns an error; judge failures produce a [Continue] verdict.
func (c *Checker) Check(ctx context.Context, objective, transcript string, endCriteria []string) Verdict {
	ctx, span := observe.StartSpan(ctx, "objective.check")
	defer span.End()

	v := c.check(ctx, objective, transcript, endCriteria)
	span.SetAttributes(attribute.String("objective.status", string(v.Status)))
	c.metrics.RecordObjectiveCheck(ctx, string(v.Status))
	return v
}

func (c *Checker) check(ctx context.Context, objective, transcript string, endCriteria []string) Verdict {
	if c.judge == nil || strings.TrimSpace(transcript) == "" {
		return Verdict{Status: Continue}
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: buildPrompt(objective, transcript, endCriteria)}},
		Temperature:  0.1,
		MaxTokens:    200,
	}

	delays := make([]time.Duration, c.retries)
	for i := range delays {
		delays[i] = c.backoff
	}

	// A timed-out attempt is worth repeating even though the provider
	// classifies deadline errors as permanent.
	retryable := func(err error) bool {
		return retry.IsRetryable(err) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil)
	}

	var content string
	err := retry.DoScheduleIf(ctx, delays, retryable, func(ctx context.Context, attempt int) error {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		resp, err := c.judge.Complete(actx, req)
		if err != nil {
			observe.Logger(ctx).Debug("objective judge attempt failed", "attempt", attempt, "err", err)
			return err
		}
		content = resp.Content
		return nil
	})
	if err != nil {
		observe.Logger(ctx).Warn("objective check unavailable, continuing session", "err", err)
		return Verdict{Status: Continue}
	}
	return Parse(content)
}

func buildPrompt(objective, transcript string, endCriteria []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", strings.TrimSpace(objective))
	b.WriteString("End criteria:\n")
	if len(endCriteria) == 0 {
		b.WriteString("- Not provided\n")
	}
	for _, ec := range endCriteria {
		fmt.Fprintf(&b, "- %s\n", ec)
	}
	fmt.Fprintf(&b, "Transcript:\n%s\n", transcript)
	b.WriteString("Return whether the objective succeeded, failed, or the conversation should continue.")
	return b.String()
}

type verdictJSON struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

var (
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
	word       = regexp.MustCompile(`[a-z]+(?:'[a-z]+)?`)
)

var (
	successWords = map[string]bool{"succeeded": true, "succeeds": true, "success": true, "successful": true, "achieved": true, "met": true}
	failureWords = map[string]bool{"failed": true, "fails": true, "failure": true}
	hedgeWords   = map[string]bool{
		"not": true, "no": true, "never": true, "yet": true, "nor": true, "neither": true,
		"cannot": true, "can't": true, "isn't": true, "hasn't": true, "haven't": true,
		"wasn't": true, "didn't": true, "doesn't": true, "won't": true,
		"continue": true, "continues": true, "ongoing": true, "unclear": true,
	}
)

// Parse turns a judge answer into a [Verdict]. A JSON answer is authoritative:
// only the statuses "succeeded" and "failed" end the session, anything else
// is [Continue]. Other answers are classified by keyword, and only when they
// contain verdict words of one kind and no negation or hedge.
func Parse(content string) Verdict {
	if raw := jsonObject.FindString(content); raw != "" {
		var vj verdictJSON
		if err := json.Unmarshal([]byte(raw), &vj); err == nil {
			switch Status(strings.ToLower(strings.TrimSpace(vj.Status))) {
			case Succeeded:
				return Verdict{Status: Succeeded, Reason: vj.Reason}
			case Failed:
				return Verdict{Status: Failed, Reason: vj.Reason}
			default:
				return Verdict{Status: Continue, Reason: vj.Reason}
			}
		}
	}

	reason := strings.TrimSpace(content)
	var success, failure bool
	for _, w := range word.FindAllString(strings.ToLower(strings.ReplaceAll(content, "\u2019", "'")), -1) {
		switch {
		case hedgeWords[w]:
			return Verdict{Status: Continue, Reason: reason}
		case successWords[w]:
			success = true
		case failureWords[w]:
			failure = true
		}
	}
	switch {
	case success && !failure:
		return Verdict{Status: Succeeded, Reason: reason}
	case failure && !success:
		return Verdict{Status: Failed, Reason: reason}
	}
	return Verdict{Status: Continue, Reason: reason}
}
