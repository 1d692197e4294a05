package doclist

import (
	"encoding/json"
	"fmt"
	"strings"
)

type SortToken struct {
	Field      string `json:"field" yaml:"field"`
	Descending bool   `json:"descending,omitempty" yaml:"descending,omitempty"`
}

type SortSpec []SortToken

// ParseSort reads the wire form "-createdAt,name": a leading '-' means
// descending.
func ParseSort(raw string) (SortSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out SortSpec
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		token := SortToken{}
		if strings.HasPrefix(part, "-") {
			token.Descending = true
			part = strings.TrimSpace(part[1:])
		} else if strings.HasPrefix(part, "+") {
			part = strings.TrimSpace(part[1:])
		}
		if part == "" {
			return nil, fmt.Errorf("%w: empty sort field in %q", ErrInvalidInput, raw)
		}
		token.Field = part
		out = append(out, token)
	}
	return out, nil
}

func (s SortSpec) String() string {
	parts := make([]string, 0, len(s))
	for _, token := range s {
		if token.Descending {
			parts = append(parts, "-"+token.Field)
			continue
		}
		parts = append(parts, token.Field)
	}
	return strings.Join(parts, ",")
}

type JoinOperator string

const (
	JoinAnd JoinOperator = "and"
	JoinOr  JoinOperator = "or"
)

type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpBetween    Operator = "between"
	OpIsEmpty    Operator = "isEmpty"
	OpIsNotEmpty Operator = "isNotEmpty"
)

// ValueShape is the form a predicate's operand takes for its operator.
type ValueShape int

const (
	ShapeNone ValueShape = iota
	ShapeScalar
	ShapeList
	ShapeRange
)

func operatorShape(op Operator) (ValueShape, bool) {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		return ShapeScalar, true
	case OpIn, OpNotIn:
		return ShapeList, true
	case OpBetween:
		return ShapeRange, true
	case OpIsEmpty, OpIsNotEmpty:
		return ShapeNone, true
	default:
		return ShapeNone, false
	}
}

type PredicateValue struct {
	Shape  ValueShape
	Scalar Value
	List   []Value
	Low    Value
	High   Value
}

type Predicate struct {
	ID       string
	Operator Operator
	Value    PredicateValue
	// Unknown marks a predicate on a field the evaluator cannot resolve.
	Unknown bool

	raw json.RawMessage
}

type FilterSpec struct {
	Predicates []Predicate
	Join       JoinOperator
	Query      string
}

// RawPredicate and RawFilter are the untyped wire/file forms accepted at the
// evaluator boundary.
type RawPredicate struct {
	ID       string          `json:"id" yaml:"id"`
	Operator string          `json:"operator" yaml:"operator"`
	Value    json.RawMessage `json:"value,omitempty" yaml:"-"`
}

type RawFilter struct {
	Predicates []RawPredicate `json:"predicates"`
	Join       string         `json:"join,omitempty"`
	Query      string         `json:"query,omitempty"`
}

// ParseFilter types every predicate value against its field and operator.
// Unknown fields are kept as Unknown predicates; malformed values are
// rejected.
func ParseFilter(raw RawFilter) (FilterSpec, error) {
	spec := FilterSpec{
		Join:  JoinAnd,
		Query: strings.TrimSpace(raw.Query),
	}
	switch JoinOperator(strings.TrimSpace(raw.Join)) {
	case "", JoinAnd:
	case JoinOr:
		spec.Join = JoinOr
	default:
		return FilterSpec{}, fmt.Errorf("%w: join operator %q", ErrInvalidInput, raw.Join)
	}
	for _, rp := range raw.Predicates {
		p, err := parsePredicate(rp)
		if err != nil {
			return FilterSpec{}, err
		}
		spec.Predicates = append(spec.Predicates, p)
	}
	return spec, nil
}

func parsePredicate(rp RawPredicate) (Predicate, error) {
	field := strings.TrimSpace(rp.ID)
	if field == "" {
		return Predicate{}, fmt.Errorf("%w: predicate without field", ErrInvalidInput)
	}
	op := Operator(strings.TrimSpace(rp.Operator))
	shape, ok := operatorShape(op)
	if !ok {
		return Predicate{}, fmt.Errorf("%w: operator %q on %s", ErrInvalidInput, rp.Operator, field)
	}
	p := Predicate{ID: field, Operator: op, raw: rp.Value}
	def, known := fieldDefs[field]
	if !known {
		p.Unknown = true
		p.Value.Shape = shape
		return p, nil
	}
	value, err := decodePredicateValue(def.kind, shape, rp.Value)
	if err != nil {
		return Predicate{}, fmt.Errorf("%w: predicate %s %s: %v", ErrInvalidInput, field, op, err)
	}
	p.Value = value
	return p, nil
}

func decodePredicateValue(kind fieldKind, shape ValueShape, raw json.RawMessage) (PredicateValue, error) {
	out := PredicateValue{Shape: shape}
	switch shape {
	case ShapeNone:
		return out, nil
	case ShapeScalar:
		v, err := decodeValue(kind, raw)
		if err != nil {
			return out, err
		}
		out.Scalar = v
	case ShapeList:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return out, fmt.Errorf("expected array: %v", err)
		}
		for _, item := range items {
			v, err := decodeValue(kind, item)
			if err != nil {
				return out, err
			}
			out.List = append(out.List, v)
		}
	case ShapeRange:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) != 2 {
			return out, fmt.Errorf("expected [low, high]")
		}
		low, err := decodeValue(kind, items[0])
		if err != nil {
			return out, err
		}
		high, err := decodeValue(kind, items[1])
		if err != nil {
			return out, err
		}
		out.Low, out.High = low, high
	}
	return out, nil
}

// Raw returns the wire form sent to the listing endpoint and the feed.
func (f FilterSpec) Raw() RawFilter {
	out := RawFilter{Join: string(f.Join), Query: f.Query}
	for _, p := range f.Predicates {
		out.Predicates = append(out.Predicates, RawPredicate{
			ID:       p.ID,
			Operator: string(p.Operator),
			Value:    p.raw,
		})
	}
	return out
}

func (f FilterSpec) Encode() string {
	if len(f.Predicates) == 0 {
		return ""
	}
	data, err := json.Marshal(f.Raw().Predicates)
	if err != nil {
		return ""
	}
	return string(data)
}

// View identifies one list: the workspace and the full sort/filter context.
type View struct {
	Workspace string
	PerPage   int
	Sort      SortSpec
	Filter    FilterSpec
}

const defaultPerPage = 50

func (v View) perPage() int {
	if v.PerPage <= 0 {
		return defaultPerPage
	}
	return v.PerPage
}

// EffectiveSort is the ordering actually in force. An empty sort with a
// free-text query means server relevance, which has no local comparator.
func (v View) EffectiveSort() SortSpec {
	if len(v.Sort) > 0 {
		return v.Sort
	}
	if v.Filter.Query != "" {
		return nil
	}
	return SortSpec{{Field: "createdAt", Descending: true}}
}

func (v View) SortSupported() bool {
	sort := v.EffectiveSort()
	if len(sort) == 0 {
		return false
	}
	return SupportsSort(sort)
}

func (v View) Key() string {
	join := string(v.Filter.Join)
	if join == "" {
		join = string(JoinAnd)
	}
	return strings.Join([]string{
		v.Workspace,
		fmt.Sprintf("%d", v.perPage()),
		v.Sort.String(),
		v.Filter.Encode(),
		join,
		v.Filter.Query,
	}, "|")
}
