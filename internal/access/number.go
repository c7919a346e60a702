package access

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NumOp is a comparison operator accepted by numeric rule values.
type NumOp string

const (
	OpEq        NumOp = "="
	OpNotEq     NumOp = "!="
	OpGreater   NumOp = ">"
	OpGreaterEq NumOp = ">="
	OpLess      NumOp = "<"
	OpLessEq    NumOp = "<="
)

// numOps is matched as string prefixes, two-character operators ahead of
// their one-character counterparts.
var numOps = []NumOp{OpGreaterEq, OpLessEq, OpEq, OpNotEq, OpGreater, OpLess}

// ValueNumber is a numeric predicate. In YAML it is either a bare
// integer, meaning equality, or a string starting with an operator,
// e.g. "<=10000000".
type ValueNumber struct {
	Op    NumOp
	Value uint64
}

func (v *ValueNumber) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("numeric value must be a scalar, got %s", node.Tag)
	}
	if node.Tag == "!!int" {
		n, err := strconv.ParseUint(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("numeric value %q: %w", node.Value, err)
		}
		v.Op, v.Value = OpEq, n
		return nil
	}
	parsed, err := ParseValueNumber(node.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValueNumber parses an operator-prefixed numeric predicate such as
// ">=1000" or "!= 42". The operator is mandatory in string form.
func ParseValueNumber(s string) (ValueNumber, error) {
	trimmed := strings.TrimSpace(s)
	for _, op := range numOps {
		rest, found := strings.CutPrefix(trimmed, string(op))
		if !found {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return ValueNumber{}, fmt.Errorf("numeric value %q: %w", s, err)
		}
		return ValueNumber{Op: op, Value: n}, nil
	}
	return ValueNumber{}, fmt.Errorf("numeric value %q must start with one of >=, <=, =, !=, >, <", s)
}

// Matches reports whether actual satisfies the predicate.
func (v ValueNumber) Matches(actual uint64) bool {
	switch v.Op {
	case OpEq:
		return actual == v.Value
	case OpNotEq:
		return actual != v.Value
	case OpGreater:
		return actual > v.Value
	case OpGreaterEq:
		return actual >= v.Value
	case OpLess:
		return actual < v.Value
	case OpLessEq:
		return actual <= v.Value
	}
	return false
}

func (v ValueNumber) String() string {
	return string(v.Op) + strconv.FormatUint(v.Value, 10)
}
