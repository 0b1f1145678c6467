package practice

import "time"

// EventType discriminates realtime events pushed to session listeners.
type EventType string

const (
	EventAITurn          EventType = "ai_turn"
	EventTranscriptReady EventType = "transcript_ready"
	EventTermination     EventType = "termination"
	EventEvaluationReady EventType = "evaluation_ready"
)

// User-facing messages attached to termination events.
const (
	MessageMediaError = "Audio upload failed. Please resend your turn."
	MessageQAError    = "The AI partner is unavailable. Please retry your turn."
)

// Termination describes why and when a session ended.
type Termination struct {
	Reason       TerminationReason `json:"reason"`
	TerminatedAt time.Time         `json:"terminatedAt"`
}

// Event is the JSON envelope delivered over the realtime channel. Exactly one
// payload field is set, matching Type.
type Event struct {
	Type        EventType    `json:"type"`
	Turn        *Turn        `json:"turn,omitempty"`
	Termination *Termination `json:"termination,omitempty"`
	Evaluation  *Evaluation  `json:"evaluation,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// AITurnEvent announces a newly persisted AI turn.
func AITurnEvent(t *Turn) Event {
	return Event{Type: EventAITurn, Turn: t}
}

// TranscriptReadyEvent announces ASR backfill of a trainee turn.
func TranscriptReadyEvent(t *Turn) Event {
	return Event{Type: EventTranscriptReady, Turn: t}
}

// TerminationEvent announces the end of a session. message may be empty.
func TerminationEvent(reason TerminationReason, at time.Time, message string) Event {
	return Event{
		Type:        EventTermination,
		Termination: &Termination{Reason: reason, TerminatedAt: at.UTC()},
		Message:     message,
	}
}

// EvaluationReadyEvent carries a completed evaluation.
func EvaluationReadyEvent(e *Evaluation) Event {
	return Event{Type: EventEvaluationReady, Evaluation: e}
}
