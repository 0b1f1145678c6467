package practice

import "time"

// EvaluationStatus is the state of post-session scoring.
type EvaluationStatus string

const (
	EvaluationPending   EvaluationStatus = "pending"
	EvaluationRunning   EvaluationStatus = "running"
	EvaluationCompleted EvaluationStatus = "completed"
	EvaluationFailed    EvaluationStatus = "failed"
)

// Terminal reports whether no automatic work remains for the status.
func (s EvaluationStatus) Terminal() bool {
	return s == EvaluationCompleted || s == EvaluationFailed
}

// Score is the rating for a single skill.
type Score struct {
	SkillID string `json:"skillId"`
	Rating  int    `json:"rating"`
	Note    string `json:"note"`
}

// Evaluation is the scoring record for one session.
type Evaluation struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"sessionId"`
	Status         EvaluationStatus `json:"status"`
	Scores         []Score          `json:"scores"`
	Summary        string           `json:"summary,omitempty"`
	EvaluatorModel string           `json:"evaluatorModel,omitempty"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"lastError,omitempty"`
	QueuedAt       time.Time        `json:"queuedAt"`
	CompletedAt    time.Time        `json:"completedAt,omitzero"`
}

// NewEvaluation builds the pending record created when a session ends.
func NewEvaluation(sessionID, evaluatorModel string, now time.Time) (*Evaluation, error) {
	if sessionID == "" {
		return nil, validationf("session id is required")
	}
	return &Evaluation{
		SessionID:      sessionID,
		Status:         EvaluationPending,
		Scores:         []Score{},
		EvaluatorModel: evaluatorModel,
		Attempts:       1,
		QueuedAt:       now.UTC(),
	}, nil
}

// QueueLatency returns CompletedAt-QueuedAt. ok is false while either
// timestamp is unset.
func (e *Evaluation) QueueLatency() (d time.Duration, ok bool) {
	if e.QueuedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0, false
	}
	return e.CompletedAt.Sub(e.QueuedAt), true
}

// ValidateScore checks a single score coming back from the evaluator.
func ValidateScore(s Score) error {
	if s.SkillID == "" {
		return validationf("score skillId is required")
	}
	if s.Rating < 1 || s.Rating > 5 {
		return validationf("score rating %d out of range [1, 5]", s.Rating)
	}
	if s.Note == "" {
		return validationf("score note is required for skill %q", s.SkillID)
	}
	return nil
}
