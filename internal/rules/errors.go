package rules

import "errors"

var (
	// ErrConditionExists indicates a condition node id is already registered.
	ErrConditionExists = errors.New("rules: condition already registered")

	// ErrConditionNotFound indicates an operation on an unknown or removed condition.
	ErrConditionNotFound = errors.New("rules: condition not found")

	// ErrRuleExists indicates a rule name is already installed.
	ErrRuleExists = errors.New("rules: rule already installed")

	// ErrRuleNotFound indicates an operation on an unknown rule.
	ErrRuleNotFound = errors.New("rules: rule not found")

	// ErrStopped indicates the coordinator has been stopped.
	ErrStopped = errors.New("rules: coordinator stopped")
)
