package turn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/lifecycle"
	"github.com/MrWong99/parley/internal/objective"
	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/internal/store/memstore"
	"github.com/MrWong99/parley/internal/tasks"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	blobmock "github.com/MrWong99/parley/pkg/blob/mock"
	"github.com/MrWong99/parley/pkg/provider/genai"
	genaimock "github.com/MrWong99/parley/pkg/provider/genai/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type recordingHub struct {
	mu     sync.Mutex
	events []practice.Event
}

func (h *recordingHub) Broadcast(_ context.Context, _ string, e practice.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *recordingHub) Types() []practice.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]practice.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *recordingHub) Last(typ practice.EventType) (practice.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == typ {
			return h.events[i], true
		}
	}
	return practice.Event{}, false
}

type fakeJudge struct {
	mu          sync.Mutex
	verdict     objective.Verdict
	transcripts []string
}

func (j *fakeJudge) Check(_ context.Context, _, transcript string, _ []string) objective.Verdict {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transcripts = append(j.transcripts, transcript)
	if j.verdict.Status == "" {
		return objective.Verdict{Status: objective.Continue}
	}
	return j.verdict
}

func (j *fakeJudge) Calls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.transcripts)
}

type fixedDesigner string

func (d fixedDesigner) Prompt(context.Context, *practice.Scenario) string { return string(d) }

type pipelineFixture struct {
	pipe       *Pipeline
	store      *memstore.Store
	gen        *genaimock.Provider
	transcoder *audiomock.Transcoder
	blobs      *blobmock.Store
	hub        *recordingHub
	judge      *fakeJudge
	speech     *ttsmock.Provider
	tasks      *tasks.Supervisor
	sess       *practice.Session
	scenario   *practice.Scenario
}

func newPipelineFixture(t *testing.T, opts ...Option) *pipelineFixture {
	t.Helper()
	m := testMetrics(t)
	f := &pipelineFixture{
		store: memstore.New(),
		gen: &genaimock.Provider{
			GenerateResult:   &genai.Response{Text: "That price is too high.", Audio: []byte("ai-mp3"), AudioFormat: "mp3"},
			TranscribeResult: &genai.Transcription{Text: "Can we talk about price?"},
		},
		transcoder: &audiomock.Transcoder{Prefix: "mp3:"},
		blobs:      &blobmock.Store{},
		hub:        &recordingHub{},
		judge:      &fakeJudge{},
		speech:     &ttsmock.Provider{Result: &tts.Audio{Data: []byte("polly-mp3"), Format: "mp3"}},
		tasks:      tasks.New(tasks.WithMetrics(m)),
	}
	f.sess = seedSession(t, f.store)
	f.scenario = testScenario()

	mgr := lifecycle.New(f.store, f.hub, f.tasks, nil, lifecycle.WithMetrics(m))
	base := []Option{
		WithMetrics(m),
		WithObjectiveChecker(f.judge),
		WithSynthesizer(f.speech, tts.Voice{ID: "Joanna"}),
	}
	f.pipe = NewPipeline(f.store, f.gen, f.transcoder, f.blobs, f.hub, mgr, append(base, opts...)...)
	return f
}

// addTraineeTurn persists the trainee turn the gate would have created.
func (f *pipelineFixture) addTraineeTurn(t *testing.T, seq int) Job {
	t.Helper()
	now := time.Now()
	turn, err := practice.NewTraineeTurn(f.sess.ID, seq, "", now.Add(-time.Second), now, now)
	if err != nil {
		t.Fatalf("NewTraineeTurn: %v", err)
	}
	if err := f.store.AddTurn(context.Background(), turn); err != nil {
		t.Fatalf("AddTurn: %v", err)
	}
	return Job{SessionID: f.sess.ID, TurnID: turn.ID, Audio: []byte("webm")}
}

func (f *pipelineFixture) turns(t *testing.T) []*practice.Turn {
	t.Helper()
	turns, err := f.store.ListTurns(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	return turns
}

func (f *pipelineFixture) session(t *testing.T) *practice.Session {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return s
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestProcess_ProducesAITurn(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	job := f.addTraineeTurn(t, 0)

	if err := f.pipe.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	turns := f.turns(t)
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	trainee, ai := turns[0], turns[1]

	if trainee.ASRStatus != practice.ASRCompleted || trainee.Transcript != "Can we talk about price?" {
		t.Errorf("trainee turn = %+v", trainee)
	}
	if want := "sessions/" + f.sess.ID + "/turns/" + trainee.ID + ".mp3"; trainee.AudioFileID != want {
		t.Errorf("trainee audio id = %q, want %q", trainee.AudioFileID, want)
	}
	if !strings.HasPrefix(trainee.AudioURL, "https://blob.test/") {
		t.Errorf("trainee audio url = %q", trainee.AudioURL)
	}

	if ai.Sequence != 1 || ai.Speaker != practice.SpeakerAI || ai.Transcript != "That price is too high." {
		t.Errorf("ai turn = %+v", ai)
	}
	if ai.ASRStatus != practice.ASRNotApplicable || ai.AudioURL == "" {
		t.Errorf("ai turn audio/asr = %+v", ai)
	}
	if ai.LatencyMs < 0 {
		t.Errorf("latency = %d", ai.LatencyMs)
	}

	got := f.hub.Types()
	want := []practice.EventType{practice.EventAITurn, practice.EventTranscriptReady}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	// Trainee audio is transcoded once and sent to both calls; mp3 AI audio
	// is uploaded without a second transcode.
	if n := f.transcoder.CallCount(); n != 1 {
		t.Errorf("transcoder calls = %d, want 1", n)
	}
	if n := f.blobs.CallCount(); n != 2 {
		t.Errorf("uploads = %d, want 2", n)
	}
	if string(f.gen.TranscribeCalls[0].Audio) != "mp3:webm" {
		t.Errorf("transcribed audio = %q", f.gen.TranscribeCalls[0].Audio)
	}
	if f.speech.CallCount() != 0 {
		t.Error("synthesizer used although generation returned audio")
	}
}

func TestProcess_RequestCarriesContext(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	// An earlier exchange.
	now := time.Now()
	prev, _ := practice.NewTraineeTurn(f.sess.ID, 0, "", now.Add(-time.Second), now, now)
	prev.Transcript = "Hello there."
	_ = f.store.AddTurn(ctx, prev)
	reply, _ := practice.NewAITurn(f.sess.ID, 1, "Hi, what's your offer?", now)
	_ = f.store.AddTurn(ctx, reply)

	job := f.addTraineeTurn(t, 2)
	job.Context = "pointing at slide 3"
	if err := f.pipe.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	req, ok := f.gen.LastGenerate()
	if !ok {
		t.Fatal("Generate not called")
	}
	for _, want := range []string{"Dana", "Sam", "Price objection", "discount agreed"} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Role != genai.RoleUser || req.Messages[1].Role != genai.RoleAssistant {
		t.Errorf("history roles = %s, %s", req.Messages[0].Role, req.Messages[1].Role)
	}
	last := req.Messages[2]
	if string(last.Audio) != "mp3:webm" || last.Text != "pointing at slide 3" {
		t.Errorf("last message = %+v", last)
	}

	turns := f.turns(t)
	if turns[len(turns)-1].Sequence != 3 {
		t.Errorf("ai sequence = %d, want 3", turns[len(turns)-1].Sequence)
	}
}

func TestProcess_GenerationAndTranscriptionRunConcurrently(t *testing.T) {
	f := newPipelineFixture(t)
	f.gen.GenerateDelay = 200 * time.Millisecond
	f.gen.TranscribeDelay = 150 * time.Millisecond
	job := f.addTraineeTurn(t, 0)

	start := time.Now()
	if err := f.pipe.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed >= 340*time.Millisecond {
		t.Errorf("pipeline took %v; calls look sequential", elapsed)
	}
	gap := f.gen.GenerateCalls[0].At.Sub(f.gen.TranscribeCalls[0].At)
	if gap < 0 {
		gap = -gap
	}
	if gap > 100*time.Millisecond {
		t.Errorf("calls started %v apart, want both in flight together", gap)
	}
}

func TestProcess_TranscodeFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.transcoder.Err = errors.New("ffmpeg: exit status 1")
	job := f.addTraineeTurn(t, 0)

	if err := f.pipe.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	turns := f.turns(t)
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want only the trainee turn", len(turns))
	}
	if turns[0].ASRStatus != practice.ASRFailed || turns[0].AudioFileID != practice.AudioFileMissing {
		t.Errorf("trainee turn = %+v", turns[0])
	}
	ev, ok := f.hub.Last(practice.EventTermination)
	if !ok {
		t.Fatal("no termination event")
	}
	if ev.Termination.Reason != practice.ReasonMediaError || ev.Message != practice.MessageMediaError {
		t.Errorf("event = %+v", ev)
	}
	if n := f.gen.CallCount("Generate") + f.gen.CallCount("Transcribe"); n != 0 {
		t.Errorf("model calls = %d, want 0", n)
	}
	if f.session(t).Ended() {
		t.Error("media error must not end the session")
	}
}

func TestProcess_UploadFailureIsMediaError(t *testing.T) {
	f := newPipelineFixture(t)
	f.blobs.PutErr = errors.New("s3: unavailable")
	job := f.addTraineeTurn(t, 0)

	if err := f.pipe.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if ev, ok := f.hub.Last(practice.EventTermination); !ok || ev.Termination.Reason != practice.ReasonMediaError {
		t.Errorf("termination event = %+v, %v", ev, ok)
	}
	if f.gen.CallCount("Generate") != 0 {
		t.Error("generation ran after upload failure")
	}
}

func TestProcess_GenerationFailureEndsSession(t *testing.T) {
	f := newPipelineFixture(t)
	f.gen.GenerateErr = errors.New("model unavailable")
	job := f.addTraineeTurn(t, 0)

	if err := f.pipe.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	sess := f.session(t)
	if !sess.Ended() || sess.TerminationReason != practice.ReasonQAError {
		t.Errorf("session = %s/%s, want ended/qa_error", sess.Status, sess.TerminationReason)
	}
	ev, ok := f.hub.Last(practice.EventTermination)
	if !ok || ev.Termination.Reason != practice.ReasonQAError || ev.Message != practice.MessageQAError {
		t.Errorf("termination event = %+v, %v", ev, ok)
	}

	turns := f.turns(t)
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want no AI turn", len(turns))
	}
	// The parallel transcription result is discarded.
	if turns[0].ASRStatus != practice.ASRPending || turns[0].Transcript != "" {
		t.Errorf("trainee turn = %+v", turns[0])
	}
	if f.gen.CallCount("Transcribe") != 1 {
		t.Error("transcription was not issued alongside generation")
	}
}

func TestProcess_TranscriptionFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
	}{
		{"recognition", fmt.Errorf("%w: unsupported audio", genai.ErrTranscription), "kind=recognition"},
		{"transport", errors.New("openai: transcribe: connection refused"), "kind=transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			prev := slog.Default()
			slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
			t.Cleanup(func() { slog.SetDefault(prev) })

			f := newPipelineFixture(t)
			f.gen.TranscribeErr = tt.err
			job := f.addTraineeTurn(t, 0)

			if err := f.pipe.Process(context.Background(), job); err != nil {
				t.Fatalf("Process: %v", err)
			}

			turns := f.turns(t)
			if len(turns) != 2 {
				t.Fatalf("turns = %d, want 2", len(turns))
			}
			if turns[0].ASRStatus != practice.ASRFailed {
				t.Errorf("trainee asr = %s, want failed", turns[0].ASRStatus)
			}
			if turns[1].Speaker != practice.SpeakerAI {
				t.Errorf("second turn = %+v", turns[1])
			}
			if ev, ok := f.hub.Last(practice.EventTranscriptReady); !ok || ev.Turn.ASRStatus != practice.ASRFailed {
				t.Errorf("transcript_ready = %+v, %v", ev, ok)
			}
			if !strings.Contains(logs.String(), tt.wantKind) {
				t.Errorf("log missing %q:\n%s", tt.wantKind, logs.String())
			}
		})
	}
}

func TestProcess_AIAudio(t *testing.T) {
	tests := []struct {
		name       string
		reply      *genai.Response
		ttsErr     error
		wantAudio  bool
		wantTTS    int
		wantInputs int
	}{
		{
			name:       "pcm16 is wrapped and transcoded",
			reply:      &genai.Response{Text: "Fine.", Audio: []byte{0, 1, 2, 3}, AudioFormat: "pcm16"},
			wantAudio:  true,
			wantInputs: 2,
		},
		{
			name:       "wav is transcoded",
			reply:      &genai.Response{Text: "Fine.", Audio: []byte("RIFF"), AudioFormat: "wav"},
			wantAudio:  true,
			wantInputs: 2,
		},
		{
			name:       "text only falls back to synthesis",
			reply:      &genai.Response{Text: "Fine."},
			wantAudio:  true,
			wantTTS:    1,
			wantInputs: 1,
		},
		{
			name:       "synthesis failure leaves audio empty",
			reply:      &genai.Response{Text: "Fine."},
			ttsErr:     errors.New("polly: throttled"),
			wantAudio:  false,
			wantTTS:    1,
			wantInputs: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.gen.GenerateResult = tc.reply
			f.speech.Err = tc.ttsErr
			job := f.addTraineeTurn(t, 0)

			if err := f.pipe.Process(context.Background(), job); err != nil {
				t.Fatalf("Process: %v", err)
			}
			turns := f.turns(t)
			if len(turns) != 2 {
				t.Fatalf("turns = %d, want 2", len(turns))
			}
			ai := turns[1]
			if got := ai.AudioURL != ""; got != tc.wantAudio {
				t.Errorf("has audio = %v, want %v (%+v)", got, tc.wantAudio, ai)
			}
			if !tc.wantAudio && ai.AudioFileID != "" {
				t.Errorf("audio id = %q, want empty", ai.AudioFileID)
			}
			if n := f.speech.CallCount(); n != tc.wantTTS {
				t.Errorf("synthesis calls = %d, want %d", n, tc.wantTTS)
			}
			if n := f.transcoder.CallCount(); n != tc.wantInputs {
				t.Errorf("transcoder calls = %d, want %d", n, tc.wantInputs)
			}
			if _, ok := f.hub.Last(practice.EventAITurn); !ok {
				t.Error("ai turn not broadcast")
			}
		})
	}
}

func TestProcess_Objective(t *testing.T) {
	tests := []struct {
		name       string
		verdict    objective.Verdict
		wantReason practice.TerminationReason
		wantStatus practice.ObjectiveStatus
	}{
		{"continue", objective.Verdict{Status: objective.Continue}, practice.ReasonNone, practice.ObjectiveUnknown},
		{"met", objective.Verdict{Status: objective.Succeeded, Reason: "discount agreed"}, practice.ReasonObjectiveMet, practice.ObjectiveSucceeded},
		{"failed", objective.Verdict{Status: objective.Failed, Reason: "buyer left"}, practice.ReasonObjectiveFailed, practice.ObjectiveFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			f.judge.verdict = tc.verdict
			job := f.addTraineeTurn(t, 0)

			if err := f.pipe.Process(context.Background(), job); err != nil {
				t.Fatalf("Process: %v", err)
			}
			if f.judge.Calls() != 1 {
				t.Fatalf("judge calls = %d, want 1", f.judge.Calls())
			}
			if !strings.Contains(f.judge.transcripts[0], "ai: That price is too high.") {
				t.Errorf("judge transcript = %q", f.judge.transcripts[0])
			}

			sess := f.session(t)
			if sess.TerminationReason != tc.wantReason || sess.ObjectiveStatus != tc.wantStatus {
				t.Errorf("session = %s/%s, want %s/%s", sess.TerminationReason, sess.ObjectiveStatus, tc.wantReason, tc.wantStatus)
			}
			if tc.verdict.Terminal() && sess.ObjectiveReason != tc.verdict.Reason {
				t.Errorf("objective reason = %q, want %q", sess.ObjectiveReason, tc.verdict.Reason)
			}
		})
	}
}

func TestProcess_NoObjectiveCheckWithoutTranscript(t *testing.T) {
	f := newPipelineFixture(t)
	f.gen.GenerateResult = &genai.Response{}
	job := f.addTraineeTurn(t, 0)

	if err := f.pipe.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if f.judge.Calls() != 0 {
		t.Errorf("judge calls = %d, want 0", f.judge.Calls())
	}
}

func TestOpen(t *testing.T) {
	f := newPipelineFixture(t, WithOpeningDesigner(fixedDesigner("Greet Sam and ask about the quote.")))
	f.gen.GenerateResult = &genai.Response{Text: "Hi Sam, about that quote...", Audio: []byte("mp3"), AudioFormat: "mp3"}

	if err := f.pipe.Open(context.Background(), f.sess, f.scenario); err != nil {
		t.Fatalf("Open: %v", err)
	}

	turns := f.turns(t)
	if len(turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(turns))
	}
	ai := turns[0]
	if ai.Sequence != 0 || ai.Speaker != practice.SpeakerAI || ai.ASRStatus != practice.ASRNotApplicable {
		t.Errorf("opening turn = %+v", ai)
	}
	if ai.AudioURL == "" {
		t.Error("opening turn has no audio")
	}
	if f.gen.CallCount("Transcribe") != 0 {
		t.Error("opening turn must not transcribe")
	}

	req, _ := f.gen.LastGenerate()
	if !strings.Contains(req.SystemPrompt, "You must start the conversation as the AI.") {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Text != "Greet Sam and ask about the quote." {
		t.Errorf("messages = %+v", req.Messages)
	}
	if _, ok := f.hub.Last(practice.EventAITurn); !ok {
		t.Error("opening turn not broadcast")
	}
}

func TestOpen_FallbackPrompt(t *testing.T) {
	f := newPipelineFixture(t)
	if err := f.pipe.Open(context.Background(), f.sess, f.scenario); err != nil {
		t.Fatalf("Open: %v", err)
	}
	req, _ := f.gen.LastGenerate()
	if req.Messages[0].Text != "Begin the conversation in character." {
		t.Errorf("prompt = %q", req.Messages[0].Text)
	}
}

func TestOpen_GenerationFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.gen.GenerateErr = errors.New("model unavailable")

	if err := f.pipe.Open(context.Background(), f.sess, f.scenario); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess := f.session(t)
	if sess.TerminationReason != practice.ReasonQAError {
		t.Errorf("reason = %s, want qa_error", sess.TerminationReason)
	}
	if len(f.turns(t)) != 0 {
		t.Error("opening turn persisted despite failure")
	}
}

func TestGateAndPipeline(t *testing.T) {
	f := newPipelineFixture(t)
	gate := NewGate(f.store, f.pipe, f.tasks, WithGateMetrics(testMetrics(t)))

	rcpt, err := gate.Submit(context.Background(), submission(f.sess.ID, 0, []byte("webm")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rcpt.Status != StatusAccepted {
		t.Fatalf("status = %s", rcpt.Status)
	}
	f.tasks.Wait()

	turns := f.turns(t)
	if len(turns) != 2 || turns[1].Speaker != practice.SpeakerAI {
		t.Fatalf("turns = %+v", turns)
	}

	// The next trainee turn follows the AI reply.
	rcpt, err = gate.Submit(context.Background(), submission(f.sess.ID, 2, []byte("webm")))
	if err != nil || rcpt.Status != StatusAccepted {
		t.Fatalf("second Submit = %+v, %v", rcpt, err)
	}
	f.tasks.Wait()
	if n := len(f.turns(t)); n != 4 {
		t.Errorf("turns = %d, want 4", n)
	}
}

func TestTranscript(t *testing.T) {
	turns := []*practice.Turn{
		{Speaker: practice.SpeakerAI, Transcript: "Hello."},
		{Speaker: practice.SpeakerTrainee},
		{Speaker: practice.SpeakerTrainee, Transcript: "Hi."},
	}
	if got, want := Transcript(turns), "ai: Hello.\ntrainee: Hi.\n"; got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
}
