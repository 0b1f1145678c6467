// Package turn accepts trainee turns and runs the audio/transcript pipeline
// that answers them.
//
// The [Gate] is the only sequence authority: it validates size and order,
// persists the trainee turn, and hands a [Job] to the [Pipeline] on a
// supervised background task. The pipeline transcodes and uploads the
// audio, then issues generation and transcription as one concurrent join.
package turn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/internal/tasks"
)

// Size ceilings for submitted audio.
const (
	DefaultMaxAudioBytes     = 128 * 1024
	DefaultMaxAudioBase64Len = 175_000
)

// Status is the outcome reported in a [Receipt].
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusClosed    Status = "closed"
)

// Submission is one trainee turn as sent by the client.
type Submission struct {
	SessionID   string
	Sequence    int
	AudioBase64 string
	Context     string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Receipt acknowledges a submission.
type Receipt struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId,omitempty"`
	Status    Status `json:"status"`
}

// Processor consumes accepted jobs. *Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// Gate validates and persists trainee submissions.
type Gate struct {
	store     store.Store
	processor Processor
	tasks     *tasks.Supervisor

	maxBytes  int
	maxBase64 int
	metrics   *observe.Metrics
	now       func() time.Time
}

// GateOption is a functional option for [Gate].
type GateOption func(*Gate)

// WithLimits overrides the decoded and encoded audio ceilings. Non-positive
// values keep the defaults.
func WithLimits(maxBytes, maxBase64 int) GateOption {
	return func(g *Gate) {
		if maxBytes > 0 {
			g.maxBytes = maxBytes
		}
		if maxBase64 > 0 {
			g.maxBase64 = maxBase64
		}
	}
}

// WithGateMetrics sets the metrics instance.
func WithGateMetrics(m *observe.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock overrides time.Now.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate builds a gate that hands accepted turns to p via sup.
func NewGate(st store.Store, p Processor, sup *tasks.Supervisor, opts ...GateOption) *Gate {
	g := &Gate{
		store:     st,
		processor: p,
		tasks:     sup,
		maxBytes:  DefaultMaxAudioBytes,
		maxBase64: DefaultMaxAudioBase64Len,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Submit validates sub and, if it is the next expected turn, persists it and
// schedules the pipeline. Closed sessions and already-accepted sequences are
// reported in the receipt, not as errors.
func (g *Gate) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	ctx, span := observe.StartSpan(ctx, "turn.submit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sub.SessionID), attribute.Int("turn.sequence", sub.Sequence))

	rcpt, err := g.submit(ctx, sub)
	if err != nil {
		observe.RecordError(span, err)
		g.metrics.RecordTurn(ctx, "rejected")
		return nil, err
	}
	g.metrics.RecordTurn(ctx, string(rcpt.Status))
	return rcpt, nil
}

func (g *Gate) submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if sub.Sequence < 0 {
		return nil, fmt.Errorf("%w: sequence must be >= 0", practice.ErrInvalidSequence)
	}
	data, err := g.decode(sub.AudioBase64)
	if err != nil {
		return nil, err
	}

	sess, err := g.store.GetSession(ctx, sub.SessionID)
	if err != nil {
		return nil, fmt.Errorf("turn: get session: %w", err)
	}
	if sess.Ended() {
		return &Receipt{SessionID: sess.ID, Status: StatusClosed}, nil
	}

	turns, err := g.store.ListTurns(ctx, sub.SessionID)
	if err != nil {
		return nil, fmt.Errorf("turn: list turns: %w", err)
	}
	for _, t := range turns {
		if t.Sequence == sub.Sequence {
			return &Receipt{SessionID: sess.ID, TurnID: t.ID, Status: StatusDuplicate}, nil
		}
	}
	if want := practice.NextSequence(turns); sub.Sequence != want {
		return nil, fmt.Errorf("%w: got %d, expected %d", practice.ErrInvalidSequence, sub.Sequence, want)
	}

	t, err := practice.NewTraineeTurn(sub.SessionID, sub.Sequence, sub.Context, sub.StartedAt, sub.EndedAt, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.store.AddTurn(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return &Receipt{SessionID: sess.ID, Status: StatusDuplicate}, nil
		}
		return nil, fmt.Errorf("turn: add trainee turn: %w", err)
	}

	job := Job{SessionID: sess.ID, TurnID: t.ID, Audio: data, Context: sub.Context}
	if err := g.tasks.Go(ctx, "turn", func(ctx context.Context) error {
		return g.processor.Process(ctx, job)
	}); err != nil {
		return nil, fmt.Errorf("turn: schedule pipeline: %w", err)
	}
	observe.Logger(ctx).Info("turn accepted", "session_id", sess.ID, "turn_id", t.ID, "sequence", t.Sequence)
	return &Receipt{SessionID: sess.ID, TurnID: t.ID, Status: StatusAccepted}, nil
}

// decode enforces the size ceilings before and after base64 decoding.
func (g *Gate) decode(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: audio is empty", practice.ErrAudioDecode)
	}
	if len(encoded) > g.maxBase64 || decodedLen(encoded) > g.maxBytes {
		return nil, practice.ErrAudioTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", practice.ErrAudioDecode, err)
	}
	if len(data) > g.maxBytes {
		return nil, practice.ErrAudioTooLarge
	}
	return data, nil
}

func decodedLen(s string) int {
	n := len(s) / 4 * 3
	return n - strings.Count(s[max(0, len(s)-2):], "=")
}
