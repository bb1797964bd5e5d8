package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Operator is a comparison operator for attribute conditions.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// ParseOperator validates an operator string.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return op, nil
	default:
		return "", fmt.Errorf("rules: unknown operator %q", s)
	}
}

// Condition is a node in a boolean predicate tree over device attributes.
//
// Leaves recompute from matching device events; combinators recompute
// from the cached states of their children. Trees are immutable after
// construction and owned exclusively by one registration.
type Condition interface {
	// ID returns the unique node id.
	ID() string

	// State returns the cached boolean state. An uninitialized leaf is false.
	State() bool

	children() []Condition
	deviceIDs() []string

	// recompute re-evaluates the node for an event (leaves) or from
	// cached child states (combinators, ev ignored). It reports whether
	// the cached state changed.
	recompute(ev *DeviceEvent) (bool, error)

	// prime loads current attribute values before registration. fetch
	// returns (value, true) when the attribute is known.
	prime(fetch func(deviceID, attribute string) (any, bool))
}

// Walk visits root and every descendant in depth-first order.
func Walk(root Condition, visit func(Condition)) {
	visit(root)
	for _, c := range root.children() {
		Walk(c, visit)
	}
}

// Devices returns the distinct device ids referenced anywhere in the tree.
func Devices(root Condition) []string {
	seen := make(map[string]bool)
	var ids []string
	Walk(root, func(c Condition) {
		for _, id := range c.deviceIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	})
	return ids
}

// Prime loads current attribute values into every leaf of the tree and
// recomputes all cached states bottom-up. Call before registering a
// tree; the engine never fetches values itself.
func Prime(root Condition, fetch func(deviceID, attribute string) (any, bool)) {
	root.prime(fetch)
}

// --- attribute comparison -------------------------------------------------

type attrCondition struct {
	id        string
	deviceID  string
	attribute string
	op        Operator
	operand   any

	value any
	known bool
	state bool
}

// Compare builds a leaf comparing one device attribute against a static
// operand, e.g. Compare("123", "motion", OpEqual, "active").
func Compare(deviceID, attribute string, op Operator, operand any) Condition {
	return &attrCondition{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		attribute: attribute,
		op:        op,
		operand:   operand,
	}
}

func (c *attrCondition) ID() string            { return c.id }
func (c *attrCondition) State() bool           { return c.state }
func (c *attrCondition) children() []Condition { return nil }
func (c *attrCondition) deviceIDs() []string   { return []string{c.deviceID} }

func (c *attrCondition) recompute(ev *DeviceEvent) (bool, error) {
	if ev == nil || ev.DeviceID != c.deviceID || ev.Attribute != c.attribute {
		return false, nil
	}
	c.value = ev.Value
	c.known = true
	return c.reevaluate()
}

func (c *attrCondition) reevaluate() (bool, error) {
	if !c.known {
		return false, nil
	}
	next, err := compareValues(c.op, c.value, c.operand)
	if err != nil {
		return false, err
	}
	changed := next != c.state
	c.state = next
	return changed, nil
}

func (c *attrCondition) prime(fetch func(string, string) (any, bool)) {
	if v, ok := fetch(c.deviceID, c.attribute); ok {
		c.value = v
		c.known = true
		c.reevaluate()
	}
}

// --- device-to-device comparison -------------------------------------------

type deviceCompareCondition struct {
	id    string
	left  attrRef
	right attrRef
	op    Operator
	state bool
}

type attrRef struct {
	deviceID  string
	attribute string
	value     any
	known     bool
}

// CompareDevices builds a leaf comparing one device attribute against
// another, e.g. indoor temperature > outdoor temperature. It evaluates
// false until both sides have a value.
func CompareDevices(leftDevice, leftAttr string, op Operator, rightDevice, rightAttr string) Condition {
	return &deviceCompareCondition{
		id:    uuid.NewString(),
		left:  attrRef{deviceID: leftDevice, attribute: leftAttr},
		right: attrRef{deviceID: rightDevice, attribute: rightAttr},
		op:    op,
	}
}

func (c *deviceCompareCondition) ID() string            { return c.id }
func (c *deviceCompareCondition) State() bool           { return c.state }
func (c *deviceCompareCondition) children() []Condition { return nil }

func (c *deviceCompareCondition) deviceIDs() []string {
	if c.left.deviceID == c.right.deviceID {
		return []string{c.left.deviceID}
	}
	return []string{c.left.deviceID, c.right.deviceID}
}

func (c *deviceCompareCondition) recompute(ev *DeviceEvent) (bool, error) {
	matched := false
	if ev != nil && ev.DeviceID == c.left.deviceID && ev.Attribute == c.left.attribute {
		c.left.value = ev.Value
		c.left.known = true
		matched = true
	}
	if ev != nil && ev.DeviceID == c.right.deviceID && ev.Attribute == c.right.attribute {
		c.right.value = ev.Value
		c.right.known = true
		matched = true
	}
	if !matched {
		return false, nil
	}
	return c.reevaluate()
}

func (c *deviceCompareCondition) reevaluate() (bool, error) {
	if !c.left.known || !c.right.known {
		return false, nil
	}
	next, err := compareValues(c.op, c.left.value, c.right.value)
	if err != nil {
		return false, err
	}
	changed := next != c.state
	c.state = next
	return changed, nil
}

func (c *deviceCompareCondition) prime(fetch func(string, string) (any, bool)) {
	if v, ok := fetch(c.left.deviceID, c.left.attribute); ok {
		c.left.value = v
		c.left.known = true
	}
	if v, ok := fetch(c.right.deviceID, c.right.attribute); ok {
		c.right.value = v
		c.right.known = true
	}
	c.reevaluate()
}

// --- change detection -------------------------------------------------------

type changeCondition struct {
	id        string
	deviceID  string
	attribute string

	snapshot any
	known    bool
	state    bool
}

// OnChange builds a leaf that becomes true exactly once, when the
// attribute's value first differs from the snapshot captured at Prime.
// An event equal to the snapshot produces no transition.
func OnChange(deviceID, attribute string) Condition {
	return &changeCondition{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		attribute: attribute,
	}
}

func (c *changeCondition) ID() string            { return c.id }
func (c *changeCondition) State() bool           { return c.state }
func (c *changeCondition) children() []Condition { return nil }
func (c *changeCondition) deviceIDs() []string   { return []string{c.deviceID} }

func (c *changeCondition) recompute(ev *DeviceEvent) (bool, error) {
	if ev == nil || ev.DeviceID != c.deviceID || ev.Attribute != c.attribute {
		return false, nil
	}
	if c.state {
		// Latched; the tree fires once and is removed.
		return false, nil
	}
	if !c.known {
		// No snapshot yet: treat the first observed value as the baseline.
		c.snapshot = ev.Value
		c.known = true
		return false, nil
	}
	if valuesEqual(ev.Value, c.snapshot) {
		return false, nil
	}
	c.state = true
	return true, nil
}

func (c *changeCondition) prime(fetch func(string, string) (any, bool)) {
	if v, ok := fetch(c.deviceID, c.attribute); ok {
		c.snapshot = v
		c.known = true
	}
}

// --- combinators -------------------------------------------------------------

type combinatorKind int

const (
	combAll combinatorKind = iota
	combAny
	combNot
)

type combinator struct {
	id    string
	kind  combinatorKind
	nodes []Condition
	state bool
}

// AllOf is true when every child is true. With no children it is true.
func AllOf(children ...Condition) Condition {
	return &combinator{id: uuid.NewString(), kind: combAll, nodes: children}
}

// AnyOf is true when at least one child is true.
func AnyOf(children ...Condition) Condition {
	return &combinator{id: uuid.NewString(), kind: combAny, nodes: children}
}

// Not inverts its single child.
func Not(child Condition) Condition {
	return &combinator{id: uuid.NewString(), kind: combNot, nodes: []Condition{child}}
}

func (c *combinator) ID() string            { return c.id }
func (c *combinator) State() bool           { return c.state }
func (c *combinator) children() []Condition { return c.nodes }
func (c *combinator) deviceIDs() []string   { return nil }

func (c *combinator) recompute(_ *DeviceEvent) (bool, error) {
	next := c.evaluate()
	changed := next != c.state
	c.state = next
	return changed, nil
}

func (c *combinator) evaluate() bool {
	switch c.kind {
	case combAll:
		for _, child := range c.nodes {
			if !child.State() {
				return false
			}
		}
		return true
	case combAny:
		for _, child := range c.nodes {
			if child.State() {
				return true
			}
		}
		return false
	default:
		return !c.nodes[0].State()
	}
}

func (c *combinator) prime(fetch func(string, string) (any, bool)) {
	for _, child := range c.nodes {
		child.prime(fetch)
	}
	c.state = c.evaluate()
}

// --- scene change -------------------------------------------------------------

type sceneChangeCondition struct {
	id       string
	inner    Condition
	snapshot bool
	state    bool
}

// SceneOnChange becomes true once the wrapped scene-is-set tree's state
// differs from the state captured at Prime.
func SceneOnChange(isSet Condition) Condition {
	return &sceneChangeCondition{id: uuid.NewString(), inner: isSet}
}

func (c *sceneChangeCondition) ID() string            { return c.id }
func (c *sceneChangeCondition) State() bool           { return c.state }
func (c *sceneChangeCondition) children() []Condition { return []Condition{c.inner} }
func (c *sceneChangeCondition) deviceIDs() []string   { return nil }

func (c *sceneChangeCondition) recompute(_ *DeviceEvent) (bool, error) {
	if c.state {
		return false, nil
	}
	if c.inner.State() != c.snapshot {
		c.state = true
		return true, nil
	}
	return false, nil
}

func (c *sceneChangeCondition) prime(fetch func(string, string) (any, bool)) {
	c.inner.prime(fetch)
	c.snapshot = c.inner.State()
}

// --- always false --------------------------------------------------------------

type alwaysFalse struct {
	id     string
	reason string
}

// AlwaysFalse is a placeholder for a condition that failed to build.
// It never fires; FailureReason exposes why, and the engine logs the
// reason when a tree containing the placeholder is registered.
func AlwaysFalse(reason string) Condition {
	return &alwaysFalse{id: uuid.NewString(), reason: reason}
}

// FailureReason reports why a condition is a failed-build placeholder.
// ok is false for conditions that built normally.
func FailureReason(c Condition) (reason string, ok bool) {
	af, ok := c.(*alwaysFalse)
	if !ok {
		return "", false
	}
	return af.reason, true
}

func (c *alwaysFalse) ID() string                             { return c.id }
func (c *alwaysFalse) State() bool                            { return false }
func (c *alwaysFalse) children() []Condition                  { return nil }
func (c *alwaysFalse) deviceIDs() []string                    { return nil }
func (c *alwaysFalse) recompute(*DeviceEvent) (bool, error)   { return false, nil }
func (c *alwaysFalse) prime(func(string, string) (any, bool)) {}

// --- value comparison ------------------------------------------------------------

// compareValues applies op to two attribute values. Numbers (and
// numeric strings) compare numerically; everything else compares as
// strings for ordering and loosely for equality.
func compareValues(op Operator, a, b any) (bool, error) {
	switch op {
	case OpEqual:
		return valuesEqual(a, b), nil
	case OpNotEqual:
		return !valuesEqual(a, b), nil
	}

	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGreater:
			return fa > fb, nil
		case OpGreaterEqual:
			return fa >= fb, nil
		case OpLess:
			return fa < fb, nil
		case OpLessEqual:
			return fa <= fb, nil
		}
	}

	sa, sb := valueString(a), valueString(b)
	switch op {
	case OpGreater:
		return sa > sb, nil
	case OpGreaterEqual:
		return sa >= sb, nil
	case OpLess:
		return sa < sb, nil
	case OpLessEqual:
		return sa <= sb, nil
	}
	return false, fmt.Errorf("rules: unsupported operator %q", op)
}

// valuesEqual compares attribute values loosely: numeric values (and
// numeric strings) match numerically, otherwise by string form. The hub
// reports the same attribute as "80" or 80 depending on driver.
func valuesEqual(a, b any) bool {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	return valueString(a) == valueString(b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func valueString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}
