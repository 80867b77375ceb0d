package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyhooklab/kestrel/model"
)

// planFile is the YAML shape of a plan on disk.
type planFile struct {
	Name       string         `yaml:"name"`
	Activities []activityFile `yaml:"activities"`
}

type activityFile struct {
	ID    string         `yaml:"id"`
	Type  string         `yaml:"type"`
	Start string         `yaml:"start"`
	Args  map[string]any `yaml:"args"`
}

// loadPlan reads a YAML plan file. Start offsets use Go duration syntax
// ("90s", "1h30m"); an empty offset means the plan epoch.
func loadPlan(path string) (model.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Plan{}, fmt.Errorf("read plan: %w", err)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return model.Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}

	plan := model.Plan{Name: pf.Name}
	for i, af := range pf.Activities {
		if af.Type == "" {
			return model.Plan{}, fmt.Errorf(
				"plan %s: activity %d has no type", path, i)
		}

		var offset time.Duration
		if af.Start != "" {
			offset, err = time.ParseDuration(af.Start)
			if err != nil {
				return model.Plan{}, fmt.Errorf(
					"plan %s: activity %d: bad start %q: %w",
					path, i, af.Start, err)
			}
			if offset < 0 {
				return model.Plan{}, fmt.Errorf(
					"plan %s: activity %d: negative start %q",
					path, i, af.Start)
			}
		}

		plan.Activities = append(plan.Activities, model.ActivityRecord{
			ID:          af.ID,
			Type:        af.Type,
			StartOffset: offset,
			Args:        normalizeArgs(af.Args),
		})
	}

	return plan, nil
}

// normalizeArgs widens YAML's int values to int64 so that plan arguments
// hash and decode uniformly regardless of their source.
func normalizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		return normalizeArgs(val)
	default:
		return v
	}
}
