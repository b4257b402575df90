// Package team loads the static worker registration from a YAML team
// file. Registration is the only place protocols and endpoints come
// from; nothing is discovered or inferred at call time.
package team

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fieldwork-ai/fieldwork/pkg/worker"
)

// knownPhases mirrors the orchestrator's fixed phase sequence.
var knownPhases = map[string]struct{}{
	"market":     {},
	"competitor": {},
	"location":   {},
	"finance":    {},
	"synthesis":  {},
}

// Team is the parsed worker registration.
type Team struct {
	Name    string          `yaml:"name,omitempty"`
	Workers []worker.Worker `yaml:"workers"`
}

// Load reads and validates a team file.
func Load(path string) (*Team, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading team file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates team YAML.
func Parse(data []byte) (*Team, error) {
	var t Team
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing team file: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Team) validate() error {
	if len(t.Workers) == 0 {
		return fmt.Errorf("team file declares no workers")
	}

	seen := make(map[string]struct{}, len(t.Workers))
	for i, w := range t.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker %d: name is required", i)
		}
		if _, dup := seen[w.Name]; dup {
			return fmt.Errorf("worker %q declared twice", w.Name)
		}
		seen[w.Name] = struct{}{}

		if !w.Protocol.Valid() {
			return fmt.Errorf("worker %q: unknown protocol %q", w.Name, w.Protocol)
		}
		if w.Endpoint == "" {
			return fmt.Errorf("worker %q: endpoint is required", w.Name)
		}
		if _, ok := knownPhases[w.Phase]; !ok {
			return fmt.Errorf("worker %q: unknown phase %q", w.Name, w.Phase)
		}
	}
	return nil
}
