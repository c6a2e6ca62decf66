package config

import (
	"fmt"

	"taskd/internal/task"
)

// Plan is a batch of descriptors submitted once at startup.
type Plan struct {
	Tasks []task.Descriptor `json:"tasks"`
}

// LoadPlan reads a JSON or YAML plan file (`{tasks: [...]}`) with the same
// strict decoding as the config file.
func LoadPlan(path string) ([]task.Descriptor, error) {
	var p Plan
	if err := readStrict(path, &p); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p.Tasks, nil
}
