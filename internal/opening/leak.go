package opening

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/parley/internal/practice"
)

// LeakDetector decides whether a generated opening prompt contradicts the
// scenario personas. Detection is heuristic and best effort.
type LeakDetector interface {
	// Contradicts returns a non-empty description when prompt must be
	// rejected.
	Contradicts(prompt string, scenario *practice.Scenario) string
}

// rolePhrases introduce the persona the model is told to play. %s is the
// quoted persona name.
var rolePhrases = []string{
	`you are %s`,
	`act as %s`,
	`speak as %s`,
	`start as %s`,
	`play(?:ing)? %s`,
	`你是%s`,
	`作为%s`,
	`扮演%s`,
}

// PersonaLeakDetector rejects prompts that cast the model as the trainee
// persona or never name the AI persona. Name matching is fuzzy: a word in
// the prompt counts as the AI persona's name when its Jaro-Winkler
// similarity reaches Threshold, so inflected or lightly misspelt names still
// match.
type PersonaLeakDetector struct {
	// Threshold is the minimum similarity for a fuzzy name match. Zero uses
	// 0.9.
	Threshold float64
}

var wordSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Contradicts implements [LeakDetector].
func (d PersonaLeakDetector) Contradicts(prompt string, scenario *practice.Scenario) string {
	lowered := strings.ToLower(strings.TrimSpace(prompt))
	if lowered == "" {
		return "empty prompt"
	}

	if trainee := strings.ToLower(strings.TrimSpace(scenario.TraineePersona.Name)); trainee != "" {
		quoted := regexp.QuoteMeta(trainee)
		for _, phrase := range rolePhrases {
			re := regexp.MustCompile(strings.Replace(phrase, "%s", quoted, 1))
			if re.MatchString(lowered) {
				return "prompt casts the model as the trainee persona"
			}
		}
	}

	if ai := strings.ToLower(strings.TrimSpace(scenario.AIPersona.Name)); ai != "" && !d.mentions(lowered, ai) {
		return "prompt never names the AI persona"
	}
	return ""
}

func (d PersonaLeakDetector) mentions(text, name string) bool {
	if strings.Contains(text, name) {
		return true
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = 0.9
	}
	words := wordSplit.Split(text, -1)
	for _, part := range wordSplit.Split(name, -1) {
		if part == "" {
			continue
		}
		found := false
		for _, w := range words {
			if w != "" && matchr.JaroWinkler(w, part, false) >= threshold {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
