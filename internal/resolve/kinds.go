package resolve

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/schaermu/crsyncd/internal/resource"
)

// specValidator checks the spec fields of one kind and returns the payload
// stored on the custom resource.
type specValidator func(fields map[string]interface{}) (map[string]interface{}, error)

var validators = map[resource.Kind]specValidator{
	resource.KindModel:       validateModel,
	resource.KindWorkflow:    validateWorkflow,
	resource.KindApplication: validateApplication,
}

// kindByName maps the lower-cased declared kind to the managed kind.
var kindByName = func() map[string]resource.Kind {
	m := make(map[string]resource.Kind, len(resource.Kinds))
	for _, k := range resource.Kinds {
		m[strings.ToLower(string(k))] = k
	}
	return m
}()

func validateModel(fields map[string]interface{}) (map[string]interface{}, error) {
	if err := allowKeys(fields, "name", "description", "model-serving", "experiment-tracking"); err != nil {
		return nil, err
	}
	if err := optionalStrings(fields, "name", "description"); err != nil {
		return nil, err
	}
	if v, ok := fields["model-serving"]; ok {
		serving, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("model-serving must be a mapping")
		}
		server, ok := serving["model-server"].(string)
		if !ok || server == "" {
			return nil, fmt.Errorf("model-serving.model-server is required")
		}
	}
	if v, ok := fields["experiment-tracking"]; ok {
		if _, ok := v.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("experiment-tracking must be a mapping")
		}
	}
	return fields, nil
}

func validateWorkflow(fields map[string]interface{}) (map[string]interface{}, error) {
	if err := allowKeys(fields, "name", "description", "args", "steps"); err != nil {
		return nil, err
	}
	if err := optionalStrings(fields, "name", "description"); err != nil {
		return nil, err
	}
	if v, ok := fields["args"]; ok {
		if _, ok := v.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("args must be a mapping")
		}
	}

	steps, ok := fields["steps"].([]interface{})
	if !ok || len(steps) == 0 {
		return nil, fmt.Errorf("steps must be a non-empty list")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		step, ok := s.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("steps[%d] must be a mapping", i)
		}
		id, ok := step["id"].(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("steps[%d].id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true
	}
	return fields, nil
}

func validateApplication(fields map[string]interface{}) (map[string]interface{}, error) {
	if err := allowKeys(fields, "name", "description", "model", "workflows", "replicas", "env"); err != nil {
		return nil, err
	}
	if err := optionalStrings(fields, "name", "description"); err != nil {
		return nil, err
	}
	if model, ok := fields["model"].(string); !ok || model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if v, ok := fields["workflows"]; ok {
		list, ok := v.([]interface{})
		if !ok {
			return nil, fmt.Errorf("workflows must be a list")
		}
		for i, w := range list {
			if s, ok := w.(string); !ok || s == "" {
				return nil, fmt.Errorf("workflows[%d] must be a non-empty string", i)
			}
		}
	}
	if v, ok := fields["replicas"]; ok {
		n, ok := v.(float64)
		if !ok || n < 0 || n != math.Trunc(n) {
			return nil, fmt.Errorf("replicas must be a non-negative integer")
		}
	}
	if v, ok := fields["env"]; ok {
		env, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("env must be a mapping")
		}
		for k, val := range env {
			if _, ok := val.(string); !ok {
				return nil, fmt.Errorf("env.%s must be a string", k)
			}
		}
	}
	return fields, nil
}

func allowKeys(fields map[string]interface{}, allowed ...string) error {
	var unknown []string
	for k := range fields {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown fields: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func optionalStrings(fields map[string]interface{}, keys ...string) error {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%s must be a string", k)
			}
		}
	}
	return nil
}
