package turn

import (
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/practice"
	"github.com/MrWong99/parley/pkg/provider/genai"
)

// SystemPrompt renders the roleplay instructions for the AI persona of s.
// When opening is true the model is told to speak first.
func SystemPrompt(s *practice.Scenario, opening bool) string {
	var b strings.Builder
	b.WriteString("You are roleplaying in a spoken practice conversation. Stay in character and reply with what your persona would say out loud, in one or two short sentences.\n")
	fmt.Fprintf(&b, "Your persona: %s", s.AIPersona.Name)
	if s.AIPersona.Role != "" {
		fmt.Fprintf(&b, " (%s)", s.AIPersona.Role)
	}
	fmt.Fprintf(&b, ". Background: %s\n", s.AIPersona.Background)
	fmt.Fprintf(&b, "Trainee persona: %s", s.TraineePersona.Name)
	if s.TraineePersona.Role != "" {
		fmt.Fprintf(&b, " (%s)", s.TraineePersona.Role)
	}
	fmt.Fprintf(&b, ". Background: %s\n", s.TraineePersona.Background)
	if s.Title != "" {
		fmt.Fprintf(&b, "Scenario: %s\n", s.Title)
	}
	if s.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", s.Description)
	}
	if s.Objective != "" {
		fmt.Fprintf(&b, "Trainee objective: %s\n", s.Objective)
	}
	if len(s.EndCriteria) > 0 {
		fmt.Fprintf(&b, "End criteria: %s\n", strings.Join(s.EndCriteria, ", "))
	}
	if s.Language != "" {
		fmt.Fprintf(&b, "Speak %s.\n", s.Language)
	}
	fmt.Fprintf(&b, "Never speak as %s.", s.TraineePersona.Name)
	if opening {
		b.WriteString("\nYou must start the conversation as the AI.")
	}
	return b.String()
}

// History converts persisted turns into conversation messages. Turns with no
// transcript are skipped; skip names a turn to leave out (the one being
// answered).
func History(turns []*practice.Turn, skip string) []genai.Message {
	msgs := make([]genai.Message, 0, len(turns))
	for _, t := range turns {
		if t.ID == skip || strings.TrimSpace(t.Transcript) == "" {
			continue
		}
		role := genai.RoleUser
		if t.Speaker == practice.SpeakerAI {
			role = genai.RoleAssistant
		}
		msgs = append(msgs, genai.Message{Role: role, Text: t.Transcript})
	}
	return msgs
}
