package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/hub"
	"github.com/MrWong99/parley/internal/objective"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/opening"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/blob"
	"github.com/MrWong99/parley/pkg/provider/genai"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Terminator ends sessions on behalf of the pipeline. *lifecycle.Manager
// satisfies it.
type Terminator interface {
	Terminate(ctx context.Context, sessionID string, reason practice.TerminationReason, endedAt time.Time) (*practice.Session, error)
	RecordObjective(ctx context.Context, sessionID string, status practice.ObjectiveStatus, reason string) error
}

// ObjectiveChecker judges whether the conversation reached its objective.
type ObjectiveChecker interface {
	Check(ctx context.Context, objective, transcript string, endCriteria []string) objective.Verdict
}

// OpeningDesigner produces the user prompt for the opening AI turn.
type OpeningDesigner interface {
	Prompt(ctx context.Context, scenario *practice.Scenario) string
}

// Job is one accepted trainee submission handed from the gate to the
// pipeline.
type Job struct {
	SessionID string
	TurnID    string
	Audio     []byte
	Context   string
}

// Pipeline turns trainee audio into a persisted, broadcast AI turn.
type Pipeline struct {
	store      store.Store
	gen        genai.Provider
	transcoder audio.Transcoder
	blobs      blob.Store
	hub        hub.Broadcaster
	lifecycle  Terminator

	judge    ObjectiveChecker
	opener   OpeningDesigner
	speech   tts.Provider
	ttsVoice tts.Voice
	voice    *genai.Voice

	inputFormat string
	maxTokens   int
	metrics     *observe.Metrics
	now         func() time.Time
}

// Option is a functional option for [Pipeline].
type Option func(*Pipeline)

// WithObjectiveChecker enables objective checks after each AI turn.
func WithObjectiveChecker(c ObjectiveChecker) Option {
	return func(p *Pipeline) { p.judge = c }
}

// WithOpeningDesigner sets the designer for opening-turn prompts. Without
// one the scenario prompt (or a default) is used.
func WithOpeningDesigner(d OpeningDesigner) Option {
	return func(p *Pipeline) { p.opener = d }
}

// WithSynthesizer sets the speech synthesizer used when generation returns
// no audio.
func WithSynthesizer(s tts.Provider, voice tts.Voice) Option {
	return func(p *Pipeline) {
		p.speech = s
		p.ttsVoice = voice
	}
}

// WithVoice requests spoken output from the generator. Nil means text only.
func WithVoice(v *genai.Voice) Option {
	return func(p *Pipeline) { p.voice = v }
}

// WithMaxTokens caps the length of AI replies.
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline builds a pipeline.
func NewPipeline(st store.Store, gen genai.Provider, tc audio.Transcoder, blobs blob.Store, h hub.Broadcaster, term Terminator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       st,
		gen:         gen,
		transcoder:  tc,
		blobs:       blobs,
		hub:         h,
		lifecycle:   term,
		inputFormat: audio.CanonicalFormat,
		metrics:     observe.DefaultMetrics(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs the pipeline for one accepted trainee turn. Errors that the
// pipeline handles itself (media and generation failures) are reported to
// the session and not returned.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	ctx, span := observe.StartSpan(ctx, "turn.pipeline")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", job.SessionID), attribute.String("turn.id", job.TurnID))
	log := observe.Logger(ctx).With("session_id", job.SessionID, "turn_id", job.TurnID)

	start := p.now()
	defer func() { p.metrics.RecordStage(ctx, "total", p.now().Sub(start)) }()

	sess, err := p.store.GetSession(ctx, job.SessionID)
	if err != nil {
		observe.RecordError(span, err)
		return fmt.Errorf("turn: get session: %w", err)
	}
	scenario, err := p.store.GetScenario(ctx, sess.ScenarioID)
	if err != nil {
		observe.RecordError(span, err)
		return fmt.Errorf("turn: get scenario: %w", err)
	}

	stage := p.now()
	canonical, err := p.transcoder.ToCanonical(ctx, job.Audio)
	p.metrics.RecordStage(ctx, "transcode", p.now().Sub(stage))
	if err != nil {
		log.Warn("trainee audio transcoding failed", "err", err)
		return p.mediaError(ctx, job)
	}

	stage = p.now()
	obj, err := p.blobs.Put(ctx, blob.TurnKey(job.SessionID, job.TurnID, audio.CanonicalFormat), canonical, audio.CanonicalContentType)
	p.metrics.RecordStage(ctx, "upload", p.now().Sub(stage))
	if err != nil {
		log.Warn("trainee audio upload failed", "err", err)
		return p.mediaError(ctx, job)
	}
	if _, err := p.store.UpdateTurn(ctx, job.TurnID, func(t *practice.Turn) error {
		t.AudioFileID = obj.ID
		t.AudioURL = obj.URL
		t.ASRStatus = practice.ASRPending
		return nil
	}); err != nil {
		observe.RecordError(span, err)
		return fmt.Errorf("turn: attach trainee audio: %w", err)
	}

	turns, err := p.store.ListTurns(ctx, job.SessionID)
	if err != nil {
		observe.RecordError(span, err)
		return fmt.Errorf("turn: list turns: %w", err)
	}
	req := p.request(scenario, false, History(turns, job.TurnID))
	req.Messages = append(req.Messages, genai.Message{
		Role:        genai.RoleUser,
		Text:        job.Context,
		Audio:       canonical,
		AudioFormat: p.inputFormat,
	})

	// Generation and transcription are always joined; a failure of one
	// never cancels the other.
	var (
		reply      *genai.Response
		transcript *genai.Transcription
		asrErr     error
		g          errgroup.Group
	)
	stage = p.now()
	g.Go(func() error {
		began := p.now()
		defer func() { p.metrics.RecordStage(ctx, "generate", p.now().Sub(began)) }()
		resp, err := p.gen.Generate(ctx, req)
		if err != nil {
			return err
		}
		reply = resp
		return nil
	})
	g.Go(func() error {
		began := p.now()
		defer func() { p.metrics.RecordStage(ctx, "transcribe", p.now().Sub(began)) }()
		transcript, asrErr = p.gen.Transcribe(ctx, canonical, p.inputFormat)
		return nil
	})
	genErr := g.Wait()
	p.metrics.RecordStage(ctx, "join", p.now().Sub(stage))

	if genErr != nil {
		log.Error("generation failed, ending session", "err", genErr)
		observe.RecordError(span, genErr)
		if _, err := p.lifecycle.Terminate(ctx, job.SessionID, practice.ReasonQAError, p.now()); err != nil {
			log.Error("terminate after generation failure", "err", err)
		}
		return nil
	}

	aiTurn, err := p.persistAITurn(ctx, job.SessionID, reply, start)
	if err != nil {
		observe.RecordError(span, err)
		p.applyTranscription(ctx, job.TurnID, transcript, asrErr)
		return err
	}
	p.hub.Broadcast(ctx, job.SessionID, practice.AITurnEvent(aiTurn))

	p.applyTranscription(ctx, job.TurnID, transcript, asrErr)
	p.checkObjective(ctx, job.SessionID, scenario, aiTurn.Transcript)
	return nil
}

// Open produces the opening AI turn (sequence 0) of a freshly started
// session. It implements lifecycle.Opener.
func (p *Pipeline) Open(ctx context.Context, sess *practice.Session, scenario *practice.Scenario) error {
	ctx, span := observe.StartSpan(ctx, "turn.opening")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sess.ID))
	log := observe.Logger(ctx).With("session_id", sess.ID)

	start := p.now()
	defer func() { p.metrics.RecordStage(ctx, "opening", p.now().Sub(start)) }()

	prompt := opening.Fallback(scenario)
	if p.opener != nil {
		prompt = p.opener.Prompt(ctx, scenario)
	}

	req := p.request(scenario, true, nil)
	req.Messages = append(req.Messages, genai.Message{Role: genai.RoleUser, Text: prompt})
	reply, err := p.gen.Generate(ctx, req)
	if err != nil {
		log.Error("opening generation failed, ending session", "err", err)
		observe.RecordError(span, err)
		if _, err := p.lifecycle.Terminate(ctx, sess.ID, practice.ReasonQAError, p.now()); err != nil {
			log.Error("terminate after opening failure", "err", err)
		}
		return nil
	}

	aiTurn, err := p.newAITurn(ctx, sess.ID, 0, reply, start)
	if err != nil {
		observe.RecordError(span, err)
		return err
	}
	p.hub.Broadcast(ctx, sess.ID, practice.AITurnEvent(aiTurn))
	p.checkObjective(ctx, sess.ID, scenario, aiTurn.Transcript)
	return nil
}

func (p *Pipeline) request(scenario *practice.Scenario, opening bool, history []genai.Message) genai.Request {
	return genai.Request{
		SystemPrompt: SystemPrompt(scenario, opening),
		Messages:     history,
		Voice:        p.voice,
		MaxTokens:    p.maxTokens,
	}
}

// mediaError marks the trainee turn as unusable and tells the client to
// resend. The session stays active.
func (p *Pipeline) mediaError(ctx context.Context, job Job) error {
	if _, err := p.store.UpdateTurn(ctx, job.TurnID, func(t *practice.Turn) error {
		t.ASRStatus = practice.ASRFailed
		t.AudioFileID = practice.AudioFileMissing
		t.AudioURL = ""
		return nil
	}); err != nil {
		return fmt.Errorf("turn: mark media error: %w", err)
	}
	p.hub.Broadcast(ctx, job.SessionID, practice.TerminationEvent(practice.ReasonMediaError, p.now(), practice.MessageMediaError))
	return nil
}

func (p *Pipeline) persistAITurn(ctx context.Context, sessionID string, reply *genai.Response, start time.Time) (*practice.Turn, error) {
	turns, err := p.store.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turn: list turns: %w", err)
	}
	return p.newAITurn(ctx, sessionID, practice.NextSequence(turns), reply, start)
}

func (p *Pipeline) newAITurn(ctx context.Context, sessionID string, seq int, reply *genai.Response, start time.Time) (*practice.Turn, error) {
	now := p.now()
	t, err := practice.NewAITurn(sessionID, seq, reply.Text, now)
	if err != nil {
		return nil, err
	}
	t.LatencyMs = now.Sub(start).Milliseconds()
	if err := p.store.AddTurn(ctx, t); err != nil {
		return nil, fmt.Errorf("turn: add ai turn: %w", err)
	}

	updated, err := p.attachAIAudio(ctx, t, reply)
	if err != nil {
		observe.Logger(ctx).Warn("ai audio unavailable", "session_id", sessionID, "turn_id", t.ID, "err", err)
		return t, nil
	}
	return updated, nil
}

// attachAIAudio uploads the spoken reply. A nil error with no audio leaves
// the turn untouched.
func (p *Pipeline) attachAIAudio(ctx context.Context, t *practice.Turn, reply *genai.Response) (*practice.Turn, error) {
	data, err := p.aiAudio(ctx, t.Transcript, reply)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return t, nil
	}
	obj, err := p.blobs.Put(ctx, blob.TurnKey(t.SessionID, t.ID, audio.CanonicalFormat), data, audio.CanonicalContentType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return p.store.UpdateTurn(ctx, t.ID, func(cur *practice.Turn) error {
		cur.AudioFileID = obj.ID
		cur.AudioURL = obj.URL
		return nil
	})
}

func (p *Pipeline) aiAudio(ctx context.Context, text string, reply *genai.Response) ([]byte, error) {
	if len(reply.Audio) > 0 {
		return p.canonical(ctx, reply.Audio, reply.AudioFormat)
	}
	if p.speech == nil || text == "" {
		return nil, nil
	}
	out, err := p.speech.Synthesize(ctx, text, p.ttsVoice)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return p.canonical(ctx, out.Data, out.Format)
}

func (p *Pipeline) canonical(ctx context.Context, data []byte, format string) ([]byte, error) {
	switch format {
	case audio.CanonicalFormat:
		return data, nil
	case "pcm16":
		wav, err := audio.EncodeWAV(data, audio.PCM16Mono24k)
		if err != nil {
			return nil, err
		}
		data = wav
	}
	return p.transcoder.ToCanonical(ctx, data)
}

func (p *Pipeline) applyTranscription(ctx context.Context, turnID string, res *genai.Transcription, asrErr error) {
	updated, err := p.store.UpdateTurn(ctx, turnID, func(t *practice.Turn) error {
		if asrErr != nil || res == nil {
			t.ASRStatus = practice.ASRFailed
			return nil
		}
		t.ASRStatus = practice.ASRCompleted
		t.Transcript = res.Text
		return nil
	})
	if err != nil {
		observe.Logger(ctx).Error("asr backfill failed", "turn_id", turnID, "err", err)
		return
	}
	if asrErr != nil {
		kind := "transport"
		if errors.Is(asrErr, genai.ErrTranscription) {
			kind = "recognition"
		}
		observe.Logger(ctx).Warn("transcription failed", "turn_id", turnID, "kind", kind, "err", asrErr)
	}
	p.hub.Broadcast(ctx, updated.SessionID, practice.TranscriptReadyEvent(updated))
}

func (p *Pipeline) checkObjective(ctx context.Context, sessionID string, scenario *practice.Scenario, aiTranscript string) {
	if p.judge == nil || aiTranscript == "" || !scenario.HasObjective() {
		return
	}
	turns, err := p.store.ListTurns(ctx, sessionID)
	if err != nil {
		observe.Logger(ctx).Warn("objective check skipped", "session_id", sessionID, "err", err)
		return
	}
	verdict := p.judge.Check(ctx, scenario.Objective, Transcript(turns), scenario.EndCriteria)
	if !verdict.Terminal() {
		return
	}

	status, reason := practice.ObjectiveSucceeded, practice.ReasonObjectiveMet
	if verdict.Status == objective.Failed {
		status, reason = practice.ObjectiveFailed, practice.ReasonObjectiveFailed
	}
	if err := p.lifecycle.RecordObjective(ctx, sessionID, status, verdict.Reason); err != nil {
		observe.Logger(ctx).Error("record objective", "session_id", sessionID, "err", err)
	}
	if _, err := p.lifecycle.Terminate(ctx, sessionID, reason, p.now()); err != nil {
		observe.Logger(ctx).Error("terminate on objective", "session_id", sessionID, "err", err)
	}
}

// Transcript renders turns as "speaker: text" lines for the judge.
func Transcript(turns []*practice.Turn) string {
	var out []byte
	for _, t := range turns {
		if t.Transcript == "" {
			continue
		}
		out = fmt.Appendf(out, "%s: %s\n", t.Speaker, t.Transcript)
	}
	return string(out)
}
