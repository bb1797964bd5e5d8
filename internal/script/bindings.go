package script

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/hearthwire/hearth-core/internal/rules"
)

// condHandle wraps a condition tree for transport through JS values.
type condHandle struct {
	cond rules.Condition
}

// deviceHandle exposes one device to scripts. With the uncap field name
// mapper its methods appear in JS as attr, command, is, compare,
// comparesTo, changed.
type deviceHandle struct {
	rt *rules.Runtime
	id string
}

// Attr reads a current attribute value from the hub.
func (d *deviceHandle) Attr(name string) (any, error) {
	return d.rt.Attribute(d.id, name)
}

// Command sends a device command.
func (d *deviceHandle) Command(command string, args ...string) error {
	return d.rt.SendCommand(d.id, command, args...)
}

// Is builds an equality condition on an attribute.
func (d *deviceHandle) Is(attribute string, value any) *condHandle {
	return &condHandle{cond: rules.Compare(d.id, attribute, rules.OpEqual, value)}
}

// Compare builds a comparison condition with an explicit operator.
func (d *deviceHandle) Compare(attribute, operator string, value any) (*condHandle, error) {
	op, err := rules.ParseOperator(operator)
	if err != nil {
		return nil, err
	}
	return &condHandle{cond: rules.Compare(d.id, attribute, op, value)}, nil
}

// ComparesTo builds a device-to-device comparison condition.
func (d *deviceHandle) ComparesTo(attribute, operator, otherDevice, otherAttribute string) (*condHandle, error) {
	op, err := rules.ParseOperator(operator)
	if err != nil {
		return nil, err
	}
	return &condHandle{
		cond: rules.CompareDevices(d.id, attribute, op, otherDevice, otherAttribute),
	}, nil
}

// Changed builds a change-detection condition on an attribute.
func (d *deviceHandle) Changed(attribute string) *condHandle {
	return &condHandle{cond: rules.OnChange(d.id, attribute)}
}

// sceneHandle exposes one scene to scripts.
type sceneHandle struct {
	rt   *rules.Runtime
	name string
}

// IsSet reports whether the scene currently holds.
func (s *sceneHandle) IsSet() (bool, error) {
	return s.rt.SceneIsSet(s.name)
}

// Apply pushes the scene onto its devices.
func (s *sceneHandle) Apply() error {
	return s.rt.ApplyScene(s.name)
}

// Condition builds a condition that is true while the scene holds.
func (s *sceneHandle) Condition() (*condHandle, error) {
	cond, err := s.rt.SceneCondition(s.name)
	if err != nil {
		return nil, err
	}
	return &condHandle{cond: cond}, nil
}

// Changed builds a condition that fires when the scene's is-set state changes.
func (s *sceneHandle) Changed() (*condHandle, error) {
	cond, err := s.rt.SceneChangedCondition(s.name)
	if err != nil {
		return nil, err
	}
	return &condHandle{cond: cond}, nil
}

// bindContext builds the capability object handed to every script
// invocation as its single argument.
func bindContext(vm *goja.Runtime, rt *rules.Runtime) (*goja.Object, error) {
	obj := vm.NewObject()

	bindings := map[string]any{
		"rule": rt.RuleName(),

		"device": func(id string) *deviceHandle {
			return &deviceHandle{rt: rt, id: id}
		},
		"scene": func(name string) *sceneHandle {
			return &sceneHandle{rt: rt, name: name}
		},

		"allOf": func(handles ...*condHandle) (*condHandle, error) {
			conds, err := unwrapAll(handles)
			if err != nil {
				return nil, err
			}
			return &condHandle{cond: rules.AllOf(conds...)}, nil
		},
		"anyOf": func(handles ...*condHandle) (*condHandle, error) {
			conds, err := unwrapAll(handles)
			if err != nil {
				return nil, err
			}
			return &condHandle{cond: rules.AnyOf(conds...)}, nil
		},
		"isNot": func(h *condHandle) (*condHandle, error) {
			if h == nil {
				return nil, fmt.Errorf("script: isNot requires a condition")
			}
			return &condHandle{cond: rules.Not(h.cond)}, nil
		},
		"onChange": func(deviceID, attribute string) *condHandle {
			return &condHandle{cond: rules.OnChange(deviceID, attribute)}
		},

		"wait": func(ms float64) error {
			return rt.Wait(millis(ms))
		},
		"waitFor": func(h *condHandle, opts map[string]any) (bool, error) {
			if h == nil {
				return false, fmt.Errorf("script: waitFor requires a condition")
			}
			return rt.WaitFor(h.cond, optMillis(opts, "timeout"), optMillis(opts, "forDuration"))
		},
		"waitForChange": func(deviceID, attribute string, timeoutMs float64) (bool, error) {
			return rt.WaitForChange(deviceID, attribute, millis(timeoutMs))
		},
		"waitUntil": func(timeOfDay string) error {
			return rt.WaitUntil(timeOfDay)
		},
		"check": func(h *condHandle) (bool, error) {
			if h == nil {
				return false, fmt.Errorf("script: check requires a condition")
			}
			return rt.Check(h.cond)
		},
	}

	for name, fn := range bindings {
		if err := obj.Set(name, fn); err != nil {
			return nil, fmt.Errorf("script: binding %s: %w", name, err)
		}
	}
	return obj, nil
}

func unwrapAll(handles []*condHandle) ([]rules.Condition, error) {
	conds := make([]rules.Condition, 0, len(handles))
	for _, h := range handles {
		if h == nil {
			return nil, fmt.Errorf("script: combinator received a non-condition argument")
		}
		conds = append(conds, h.cond)
	}
	return conds, nil
}

func millis(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func optMillis(opts map[string]any, key string) time.Duration {
	if opts == nil {
		return 0
	}
	if v, ok := opts[key]; ok {
		if f, ok := toNumber(v); ok {
			return millis(f)
		}
	}
	return 0
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
