package scenes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSceneExists indicates a scene name is already defined.
	ErrSceneExists = errors.New("scenes: scene already exists")

	// ErrSceneNotFound indicates an operation on an unknown scene.
	ErrSceneNotFound = errors.New("scenes: scene not found")
)

// Requirement is one device state a scene declares, together with the
// command that establishes it.
type Requirement struct {
	DeviceID  string   `json:"device_id"`
	Attribute string   `json:"attribute"`
	Value     any      `json:"value"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

// Scene is a named target set of device attribute values.
type Scene struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Requirements []Requirement `json:"requirements"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Validate checks a scene definition before it is stored.
func (s *Scene) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("scenes: scene name is required")
	}
	if len(s.Requirements) == 0 {
		return fmt.Errorf("scenes: scene %q has no requirements", s.Name)
	}
	for i, req := range s.Requirements {
		if req.DeviceID == "" {
			return fmt.Errorf("scenes: scene %q requirement %d has no device id", s.Name, i)
		}
		if req.Attribute == "" {
			return fmt.Errorf("scenes: scene %q requirement %d has no attribute", s.Name, i)
		}
		if req.Command == "" {
			return fmt.Errorf("scenes: scene %q requirement %d has no command", s.Name, i)
		}
	}
	return nil
}

// FailedCommand describes one device command that failed during Apply.
type FailedCommand struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Error    string `json:"error"`
}

// ApplyResult reports the outcome of applying a scene. Success is true
// only when every command was acknowledged.
type ApplyResult struct {
	Scene   string          `json:"scene"`
	Success bool            `json:"success"`
	Failed  []FailedCommand `json:"failed,omitempty"`
}

// looseEqual compares attribute values the way hubs report them:
// numerically when both sides parse as numbers, by string form otherwise.
func looseEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
