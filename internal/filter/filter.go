// Package filter compiles structured filter conditions into the
// server-evaluated predicate language that decides which published
// messages reach a subscriber.
package filter

import (
	"strings"
)

type Target string

const (
	TargetData Target = "data"
	TargetMeta Target = "meta"
)

type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpLike         Operator = "LIKE"
	OpContains     Operator = "CONTAINS"
	OpNotContains  Operator = "NOT_CONTAINS"
)

type ValueType string

const (
	TypeString     ValueType = "string"
	TypeNumber     ValueType = "number"
	TypeBoolean    ValueType = "boolean"
	TypeExpression ValueType = "expression"
)

type Logic string

const (
	LogicAnd Logic = "&&"
	LogicOr  Logic = "||"
)

// Condition is one typed filter rule. LogicAfter, when set, overrides the
// set's default operator for the join between this condition and the next.
type Condition struct {
	ID         int
	Target     Target
	Field      string
	Operator   Operator
	Value      string
	Type       ValueType
	LogicAfter Logic
}

// Set is an ordered list of conditions plus the default join operator.
// It is treated as a value: callers replace it wholesale on every edit.
type Set struct {
	Conditions []Condition
	Logic      Logic
}

// Active reports whether the condition participates in compilation.
// Boolean conditions only need a field; everything else also needs a
// non-empty value.
func (c Condition) Active() bool {
	if strings.TrimSpace(c.Field) == "" {
		return false
	}
	if c.Type == TypeBoolean {
		return true
	}
	return strings.TrimSpace(c.Value) != ""
}

// Complete reports whether every condition in the set is fully specified.
// This is feedback for the caller's UI; Compile never rejects anything.
func Complete(set Set) bool {
	for _, c := range set.Conditions {
		if !c.Active() {
			return false
		}
	}
	return true
}

// Compile renders the active conditions into a predicate string, or ""
// when nothing is active. Incomplete conditions are silently excluded,
// never rejected, so the output is always syntactically valid for what
// is present. Redundant conditions are not merged or de-duplicated.
func Compile(set Set) string {
	active := make([]Condition, 0, len(set.Conditions))
	for _, c := range set.Conditions {
		if c.Active() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return ""
	}
	if len(active) == 1 {
		return render(active[0])
	}

	defaultLogic := set.Logic
	if defaultLogic == "" {
		defaultLogic = LogicAnd
	}

	var b strings.Builder
	for i, c := range active {
		if i > 0 {
			join := active[i-1].LogicAfter
			if join == "" {
				join = defaultLogic
			}
			b.WriteString(" " + string(join) + " ")
		}
		b.WriteString("(" + render(c) + ")")
	}
	return b.String()
}

func render(c Condition) string {
	field := fieldPath(c)
	value := formatValue(c)

	switch c.Operator {
	case OpContains:
		return field + " CONTAINS " + value
	case OpNotContains:
		return "!(" + field + " CONTAINS " + value + ")"
	case OpLike:
		return field + " LIKE " + value
	default:
		return field + " " + string(c.Operator) + " " + value
	}
}

// fieldPath prefixes the configured target unless the field already
// carries an explicit prefix. A leading "[" means an index expression on
// the target itself.
func fieldPath(c Condition) string {
	field := strings.TrimSpace(c.Field)
	target := string(c.Target)

	switch {
	case strings.HasPrefix(field, "data."), strings.HasPrefix(field, "meta."):
		return field
	case strings.HasPrefix(field, target+"."):
		return field
	case strings.HasPrefix(field, "["):
		return target + field
	default:
		return target + "." + field
	}
}

func formatValue(c Condition) string {
	switch c.Type {
	case TypeBoolean:
		if strings.TrimSpace(c.Value) == "true" {
			return "'true'"
		}
		return "'false'"
	case TypeNumber, TypeExpression:
		// verbatim: permits arithmetic sub-expressions like "count % 100"
		return strings.TrimSpace(c.Value)
	default:
		escaped := strings.ReplaceAll(c.Value, "'", `\'`)
		return "'" + escaped + "'"
	}
}

// Equal compares two sets structurally, including per-condition
// LogicAfter and the default operator. Used for drift detection.
func Equal(a, b Set) bool {
	if a.Logic != b.Logic {
		return false
	}
	if len(a.Conditions) != len(b.Conditions) {
		return false
	}
	for i := range a.Conditions {
		if a.Conditions[i] != b.Conditions[i] {
			return false
		}
	}
	return true
}
