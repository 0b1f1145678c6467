package practice

import (
	"fmt"
	"slices"
	"strings"
)

// ScenarioStatus is the publication state of a [Scenario].
type ScenarioStatus string

const (
	ScenarioDraft     ScenarioStatus = "draft"
	ScenarioPublished ScenarioStatus = "published"
	ScenarioArchived  ScenarioStatus = "archived"
)

// Persona describes one side of the roleplay.
type Persona struct {
	Name       string `json:"name" yaml:"name"`
	Role       string `json:"role,omitempty" yaml:"role"`
	Background string `json:"background" yaml:"background"`
}

// SkillSummary is the rubric line for one skill scored by the evaluator.
type SkillSummary struct {
	SkillID string `json:"skillId" yaml:"skillId"`
	Name    string `json:"name" yaml:"name"`
	Rubric  string `json:"rubric" yaml:"rubric"`
}

// Scenario is the authored script a session is practised against. The core
// only reads scenarios; authoring lives elsewhere.
type Scenario struct {
	ID                   string         `json:"id" yaml:"id"`
	Status               ScenarioStatus `json:"status" yaml:"status"`
	Category             string         `json:"category,omitempty" yaml:"category"`
	Title                string         `json:"title" yaml:"title"`
	Description          string         `json:"description,omitempty" yaml:"description"`
	Objective            string         `json:"objective" yaml:"objective"`
	EndCriteria          []string       `json:"endCriteria" yaml:"endCriteria"`
	AIPersona            Persona        `json:"aiPersona" yaml:"aiPersona"`
	TraineePersona       Persona        `json:"traineePersona" yaml:"traineePersona"`
	Skills               []string       `json:"skills,omitempty" yaml:"skills"`
	SkillSummaries       []SkillSummary `json:"skillSummaries,omitempty" yaml:"skillSummaries"`
	IdleLimitSeconds     int            `json:"idleLimitSeconds" yaml:"idleLimitSeconds"`
	DurationLimitSeconds int            `json:"durationLimitSeconds" yaml:"durationLimitSeconds"`
	Prompt               string         `json:"prompt,omitempty" yaml:"prompt"`
	Language             string         `json:"language,omitempty" yaml:"language"`
}

// HasObjective reports whether the scenario carries an objective or end
// criteria worth checking turns against.
func (s *Scenario) HasObjective() bool {
	return strings.TrimSpace(s.Objective) != "" || len(s.EndCriteria) > 0
}

// MissingPracticeFields lists, sorted, every field that must be filled in
// before the scenario can be practised. An empty result means it is complete.
func (s *Scenario) MissingPracticeFields() []string {
	var missing []string
	if strings.TrimSpace(s.AIPersona.Name) == "" {
		missing = append(missing, "aiPersona.name")
	}
	if strings.TrimSpace(s.AIPersona.Background) == "" {
		missing = append(missing, "aiPersona.background")
	}
	if strings.TrimSpace(s.TraineePersona.Name) == "" {
		missing = append(missing, "traineePersona.name")
	}
	if strings.TrimSpace(s.TraineePersona.Background) == "" {
		missing = append(missing, "traineePersona.background")
	}
	if strings.TrimSpace(s.Objective) == "" {
		missing = append(missing, "objective")
	}
	if len(nonEmpty(s.EndCriteria)) == 0 {
		missing = append(missing, "endCriteria")
	}
	slices.Sort(missing)
	return missing
}

// ValidateForPractice returns an [ErrScenarioUnavailable] error when the
// scenario is unpublished or incomplete.
func (s *Scenario) ValidateForPractice() error {
	if s.Status != ScenarioPublished {
		return fmt.Errorf("%w: scenario is not available for practice", ErrScenarioUnavailable)
	}
	if missing := s.MissingPracticeFields(); len(missing) > 0 {
		return fmt.Errorf("%w: scenario missing required fields: %s", ErrScenarioUnavailable, strings.Join(missing, ", "))
	}
	return nil
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it) != "" {
			out = append(out, it)
		}
	}
	return out
}
