package models

import "time"

// ConditionOperator enumerates the comparison operators a rule condition
// may use against an event field.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpExists      ConditionOperator = "exists"
)

// ConditionLogic combines a rule's conditions.
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// RuleCondition is a single (field, operator, value) predicate evaluated
// against an incoming event's fields. Field is a dotted path.
type RuleCondition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value,omitempty" yaml:"value,omitempty"`
}

// AutomationRule launches a new execution of its target definition when an
// incoming event matches its condition set.
type AutomationRule struct {
	ID           string          `json:"id" db:"id"`
	DefinitionID string          `json:"definition_id" db:"definition_id"`
	Name         string          `json:"name" db:"name"`
	Conditions   []RuleCondition `json:"conditions" db:"conditions"`
	Logic        ConditionLogic  `json:"logic" db:"logic"`
	AssignToUser *string         `json:"assign_to_user,omitempty" db:"assign_to_user"`
	Active       bool            `json:"active" db:"active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Event is an incoming business event evaluated against automation rules.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SubjectRef string         `json:"subject_ref"`
	Fields     map[string]any `json:"fields"`
	OccurredAt time.Time      `json:"occurred_at"`
}
