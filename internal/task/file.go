package task

import (
	"encoding/json"
	"fmt"
	"os"
)

// taskFile is the top-level shape of a task file (spec.md §6): a JSON
// document with a single "tasks" array.
type taskFile struct {
	Tasks []*Task `json:"tasks"`
}

// LoadFile reads a task file from path and returns its tasks in
// declaration order. It does not validate dependency references or
// check for cycles; that's the DAG loader's job.
func LoadFile(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("task: read task file: %w", err)
	}

	var tf taskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("task: parse task file: %w", err)
	}

	for _, t := range tf.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task: task file: task missing id")
		}
		if t.Metadata == nil {
			t.Metadata = make(map[string]string)
		}
	}

	return tf.Tasks, nil
}
