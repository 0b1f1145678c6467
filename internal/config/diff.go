package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/parley/internal/practice"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScenarioChanges is sorted by scenario id.
	ScenarioChanges []ScenarioDiff
}

// ScenarioDiff describes what happened to one scenario seed.
type ScenarioDiff struct {
	ID       string
	Added    bool
	Removed  bool
	Modified bool
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.ScenarioChanges) == 0
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	before := indexScenarios(old.Scenarios)
	after := indexScenarios(new.Scenarios)

	for id, prev := range before {
		next, ok := after[id]
		switch {
		case !ok:
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id, Removed: true})
		case !reflect.DeepEqual(prev, next):
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id, Modified: true})
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.ScenarioChanges, func(a, b ScenarioDiff) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return d
}

func indexScenarios(list []practice.Scenario) map[string]*practice.Scenario {
	m := make(map[string]*practice.Scenario, len(list))
	for i := range list {
		m[list[i].ID] = &list[i]
	}
	return m
}
