package engine

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Attributes are the request attributes conditions are evaluated against.
type Attributes map[string]any

// Comparator names a supported predicate.
type Comparator string

const (
	CompareEq     Comparator = "eq"
	CompareNe     Comparator = "ne"
	CompareGt     Comparator = "gt"
	CompareGte    Comparator = "gte"
	CompareLt     Comparator = "lt"
	CompareLte    Comparator = "lte"
	CompareIn     Comparator = "in"
	CompareNotIn  Comparator = "not_in"
	CompareExists Comparator = "exists"
)

// Condition is an (attribute, comparator, value) predicate. It can only be
// obtained through NewCondition or JSON decoding, both of which reject
// comparators and values the evaluator does not understand.
type Condition struct {
	attribute  string
	comparator Comparator
	value      any
	pred       predicate
}

// predicate is the closed set of evaluators.
type predicate interface {
	eval(v any, present bool) bool
}

type equalsPredicate struct {
	want   scalar
	negate bool
}

type numericPredicate struct {
	op    Comparator
	bound decimal.Decimal
}

type oneOfPredicate struct {
	set    []scalar
	negate bool
}

type presencePredicate struct{}

// NewCondition validates and compiles a condition.
func NewCondition(attribute string, comparator Comparator, value any) (Condition, error) {
	if attribute == "" {
		return Condition{}, fmt.Errorf("condition attribute is required")
	}

	c := Condition{attribute: attribute, comparator: comparator, value: value}

	switch comparator {
	case CompareEq, CompareNe:
		s, ok := toScalar(value)
		if !ok {
			return Condition{}, fmt.Errorf("comparator %s on %q needs a string, number or boolean value", comparator, attribute)
		}
		c.pred = equalsPredicate{want: s, negate: comparator == CompareNe}

	case CompareGt, CompareGte, CompareLt, CompareLte:
		s, ok := toScalar(value)
		if !ok {
			return Condition{}, fmt.Errorf("comparator %s on %q needs a numeric value", comparator, attribute)
		}
		n, ok := s.number()
		if !ok {
			return Condition{}, fmt.Errorf("comparator %s on %q needs a numeric value", comparator, attribute)
		}
		c.pred = numericPredicate{op: comparator, bound: n}

	case CompareIn, CompareNotIn:
		list, ok := value.([]any)
		if !ok {
			if strs, isStrs := value.([]string); isStrs {
				for _, s := range strs {
					list = append(list, s)
				}
				ok = true
			}
		}
		if !ok || len(list) == 0 {
			return Condition{}, fmt.Errorf("comparator %s on %q needs a non-empty list value", comparator, attribute)
		}
		set := make([]scalar, 0, len(list))
		for _, item := range list {
			s, ok := toScalar(item)
			if !ok {
				return Condition{}, fmt.Errorf("comparator %s on %q has a non-scalar list item", comparator, attribute)
			}
			set = append(set, s)
		}
		c.pred = oneOfPredicate{set: set, negate: comparator == CompareNotIn}

	case CompareExists:
		c.value = nil
		c.pred = presencePredicate{}

	default:
		return Condition{}, fmt.Errorf("unsupported comparator %q", comparator)
	}

	return c, nil
}

// MustCondition is NewCondition for literals in code and tests.
func MustCondition(attribute string, comparator Comparator, value any) Condition {
	c, err := NewCondition(attribute, comparator, value)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Condition) Attribute() string      { return c.attribute }
func (c Condition) Comparator() Comparator { return c.comparator }
func (c Condition) Value() any             { return c.value }

// Valid reports whether the condition was compiled.
func (c Condition) Valid() bool {
	return c.pred != nil
}

// Evaluate applies the predicate. An absent or null attribute never satisfies
// a comparison, ne and not_in included. An uncompiled condition never holds.
func (c Condition) Evaluate(attrs Attributes) bool {
	if c.pred == nil {
		return false
	}
	v, present := attrs[c.attribute]
	if present && v == nil {
		present = false
	}
	return c.pred.eval(v, present)
}

func (p equalsPredicate) eval(v any, present bool) bool {
	if !present {
		return false
	}
	s, ok := toScalar(v)
	if !ok {
		return false
	}
	return s.equal(p.want) != p.negate
}

func (p numericPredicate) eval(v any, present bool) bool {
	if !present {
		return false
	}
	s, ok := toScalar(v)
	if !ok {
		return false
	}
	n, ok := s.number()
	if !ok {
		return false
	}
	cmp := n.Cmp(p.bound)
	switch p.op {
	case CompareGt:
		return cmp > 0
	case CompareGte:
		return cmp >= 0
	case CompareLt:
		return cmp < 0
	case CompareLte:
		return cmp <= 0
	}
	return false
}

func (p oneOfPredicate) eval(v any, present bool) bool {
	if !present {
		return false
	}
	s, ok := toScalar(v)
	if !ok {
		return false
	}
	found := false
	for _, want := range p.set {
		if s.equal(want) {
			found = true
			break
		}
	}
	return found != p.negate
}

func (presencePredicate) eval(_ any, present bool) bool {
	return present
}

type conditionJSON struct {
	Attribute  string     `json:"attribute"`
	Comparator Comparator `json:"comparator"`
	Value      any        `json:"value,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(conditionJSON{Attribute: c.attribute, Comparator: c.comparator, Value: c.value})
}

// UnmarshalJSON compiles the decoded condition, failing on unsupported input.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var raw conditionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	compiled, err := NewCondition(raw.Attribute, raw.Comparator, raw.Value)
	if err != nil {
		return err
	}
	*c = compiled
	return nil
}

// AllHold reports whether every condition holds. An empty list holds.
func AllHold(conds []Condition, attrs Attributes) bool {
	for _, c := range conds {
		if !c.Evaluate(attrs) {
			return false
		}
	}
	return true
}

type scalarKind int

const (
	kindString scalarKind = iota + 1
	kindNumber
	kindBool
)

type scalar struct {
	kind scalarKind
	str  string
	num  decimal.Decimal
	b    bool
}

func toScalar(v any) (scalar, bool) {
	switch t := v.(type) {
	case string:
		return scalar{kind: kindString, str: t}, true
	case bool:
		return scalar{kind: kindBool, b: t}, true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return scalar{}, false
		}
		return scalar{kind: kindNumber, num: d}, true
	case decimal.Decimal:
		return scalar{kind: kindNumber, num: t}, true
	case *decimal.Decimal:
		if t == nil {
			return scalar{}, false
		}
		return scalar{kind: kindNumber, num: *t}, true
	case float64:
		return scalar{kind: kindNumber, num: decimal.NewFromFloat(t)}, true
	case float32:
		return scalar{kind: kindNumber, num: decimal.NewFromFloat32(t)}, true
	case int:
		return scalar{kind: kindNumber, num: decimal.NewFromInt(int64(t))}, true
	case int32:
		return scalar{kind: kindNumber, num: decimal.NewFromInt32(t)}, true
	case int64:
		return scalar{kind: kindNumber, num: decimal.NewFromInt(t)}, true
	case uint:
		return scalar{kind: kindNumber, num: decimalFromUint(uint64(t))}, true
	case uint32:
		return scalar{kind: kindNumber, num: decimalFromUint(uint64(t))}, true
	case uint64:
		return scalar{kind: kindNumber, num: decimalFromUint(t)}, true
	}
	return scalar{}, false
}

func decimalFromUint(u uint64) decimal.Decimal {
	return decimal.RequireFromString(strconv.FormatUint(u, 10))
}

// number returns the numeric value, parsing numeric strings.
func (s scalar) number() (decimal.Decimal, bool) {
	switch s.kind {
	case kindNumber:
		return s.num, true
	case kindString:
		d, err := decimal.NewFromString(s.str)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

func (s scalar) equal(o scalar) bool {
	if s.kind == kindNumber || o.kind == kindNumber {
		a, okA := s.number()
		b, okB := o.number()
		return okA && okB && a.Equal(b)
	}
	if s.kind != o.kind {
		if s.kind == kindBool && o.kind == kindString {
			return strconv.FormatBool(s.b) == o.str
		}
		if s.kind == kindString && o.kind == kindBool {
			return s.str == strconv.FormatBool(o.b)
		}
		return false
	}
	if s.kind == kindBool {
		return s.b == o.b
	}
	return s.str == o.str
}
