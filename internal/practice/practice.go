// Package practice defines the typed entities of a roleplay practice session:
// scenarios, sessions, turns and evaluations, together with their status
// enums and the error taxonomy shared by every subsystem.
//
// Entities are plain structs. Constructors (NewSession, NewTraineeTurn, …)
// validate required fields so that invalid records never reach the store.
package practice

import "time"

// SessionStatus is the lifecycle state of a [Session].
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// IsValid reports whether s is a recognised session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionActive, SessionEnded:
		return true
	}
	return false
}

// TerminationReason records why a session ended.
type TerminationReason string

const (
	ReasonNone            TerminationReason = ""
	ReasonManual          TerminationReason = "manual"
	ReasonQAError         TerminationReason = "qa_error"
	ReasonMediaError      TerminationReason = "media_error"
	ReasonObjectiveMet    TerminationReason = "objective_met"
	ReasonObjectiveFailed TerminationReason = "objective_failed"
	ReasonIdleTimeout     TerminationReason = "idle_timeout"
	ReasonDurationTimeout TerminationReason = "duration_timeout"
)

// IsValid reports whether r is a recognised, non-empty termination reason.
func (r TerminationReason) IsValid() bool {
	switch r {
	case ReasonManual, ReasonQAError, ReasonMediaError, ReasonObjectiveMet,
		ReasonObjectiveFailed, ReasonIdleTimeout, ReasonDurationTimeout:
		return true
	}
	return false
}

// IsManual reports whether r may be requested by a client through manual stop.
func (r TerminationReason) IsManual() bool {
	return r == ReasonManual || r == ReasonQAError || r == ReasonMediaError
}

// ObjectiveStatus is the outcome of the scenario objective.
type ObjectiveStatus string

const (
	ObjectiveUnknown   ObjectiveStatus = "unknown"
	ObjectiveSucceeded ObjectiveStatus = "succeeded"
	ObjectiveFailed    ObjectiveStatus = "failed"
)

// Speaker identifies who produced a [Turn].
type Speaker string

const (
	SpeakerTrainee Speaker = "trainee"
	SpeakerAI      Speaker = "ai"
)

// ASRStatus tracks speech recognition for a trainee turn.
type ASRStatus string

const (
	ASRNone          ASRStatus = ""
	ASRPending       ASRStatus = "pending"
	ASRCompleted     ASRStatus = "completed"
	ASRFailed        ASRStatus = "failed"
	ASRNotApplicable ASRStatus = "not_applicable"
)

// Placeholder audio file identifiers used before and after upload.
const (
	AudioFilePending = "pending"
	AudioFileMissing = "missing"
)

// Session is one practice conversation between a trainee and an AI persona.
type Session struct {
	ID                     string            `json:"id"`
	ScenarioID             string            `json:"scenarioId"`
	UserID                 string            `json:"userId"`
	Status                 SessionStatus     `json:"status"`
	TerminationReason      TerminationReason `json:"terminationReason,omitempty"`
	ObjectiveStatus        ObjectiveStatus   `json:"objectiveStatus"`
	ObjectiveReason        string            `json:"objectiveReason,omitempty"`
	ClientSessionStartedAt time.Time         `json:"clientSessionStartedAt"`
	StartedAt              time.Time         `json:"startedAt,omitzero"`
	EndedAt                time.Time         `json:"endedAt,omitzero"`
	IdleLimitSeconds       int               `json:"idleLimitSeconds"`
	DurationLimitSeconds   int               `json:"durationLimitSeconds"`
	WSChannel              string            `json:"wsChannel"`
	EvaluationID           string            `json:"evaluationId,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool { return s.Status == SessionEnded }

// TotalDuration returns the wall time between server start and end, or zero
// when the session has not ended.
func (s *Session) TotalDuration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// NewSession builds a pending session for userID practising scenario. Limits
// are copied from the scenario and never change afterwards.
func NewSession(userID string, scenario *Scenario, clientStartedAt, now time.Time) (*Session, error) {
	if userID == "" {
		return nil, validationf("user id is required")
	}
	if scenario == nil || scenario.ID == "" {
		return nil, validationf("scenario is required")
	}
	if clientStartedAt.IsZero() {
		return nil, validationf("clientSessionStartedAt is required")
	}
	return &Session{
		ScenarioID:             scenario.ID,
		UserID:                 userID,
		Status:                 SessionPending,
		ObjectiveStatus:        ObjectiveUnknown,
		ClientSessionStartedAt: clientStartedAt.UTC(),
		IdleLimitSeconds:       scenario.IdleLimitSeconds,
		DurationLimitSeconds:   scenario.DurationLimitSeconds,
		CreatedAt:              now.UTC(),
	}, nil
}

// ChannelFor returns the realtime channel path for sessionID.
func ChannelFor(sessionID string) string {
	return "/ws/sessions/" + sessionID
}

// Turn is one utterance within a session, ordered by Sequence.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Sequence    int       `json:"sequence"`
	Speaker     Speaker   `json:"speaker"`
	Transcript  string    `json:"transcript,omitempty"`
	AudioFileID string    `json:"audioFileId,omitempty"`
	AudioURL    string    `json:"audioUrl,omitempty"`
	ASRStatus   ASRStatus `json:"asrStatus,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	EndedAt     time.Time `json:"endedAt,omitzero"`
	Context     string    `json:"context,omitempty"`
	LatencyMs   int64     `json:"latencyMs,omitempty"`
}

// NewTraineeTurn builds a trainee turn awaiting audio upload and ASR.
func NewTraineeTurn(sessionID string, sequence int, context string, startedAt, endedAt, now time.Time) (*Turn, error) {
	if sessionID == "" {
		return nil, validationf("session id is required")
	}
	if sequence < 0 {
		return nil, validationf("sequence must be >= 0, got %d", sequence)
	}
	if startedAt.IsZero() || endedAt.IsZero() {
		return nil, validationf("startedAt and endedAt are required")
	}
	if endedAt.Before(startedAt) {
		return nil, validationf("endedAt must be >= startedAt")
	}
	return &Turn{
		SessionID:   sessionID,
		Sequence:    sequence,
		Speaker:     SpeakerTrainee,
		AudioFileID: AudioFilePending,
		ASRStatus:   ASRPending,
		CreatedAt:   now.UTC(),
		StartedAt:   startedAt.UTC(),
		EndedAt:     endedAt.UTC(),
		Context:     context,
	}, nil
}

// NewAITurn builds an AI turn carrying the generated transcript. Audio
// fields stay empty until the spoken reply is attached.
func NewAITurn(sessionID string, sequence int, transcript string, now time.Time) (*Turn, error) {
	if sessionID == "" {
		return nil, validationf("session id is required")
	}
	if sequence < 0 {
		return nil, validationf("sequence must be >= 0, got %d", sequence)
	}
	return &Turn{
		SessionID:  sessionID,
		Sequence:   sequence,
		Speaker:    SpeakerAI,
		Transcript: transcript,
		ASRStatus:  ASRNotApplicable,
		CreatedAt:  now.UTC(),
		StartedAt:  now.UTC(),
		EndedAt:    now.UTC(),
	}, nil
}

// NextSequence returns max(sequence)+1 over turns, or 0 for an empty list.
func NextSequence(turns []*Turn) int {
	next := 0
	for _, t := range turns {
		if t.Sequence >= next {
			next = t.Sequence + 1
		}
	}
	return next
}
