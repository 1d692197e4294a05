package doclist

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueString
	ValueNumber
	ValueTime
	ValueBool
	ValueList
)

type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Time time.Time
	Bool bool
	List []string
}

func stringValue(s string) Value {
	return Value{Kind: ValueString, Str: s}
}

func timeValue(t time.Time) Value {
	if t.IsZero() {
		return Value{}
	}
	return Value{Kind: ValueTime, Time: t}
}

func timePtrValue(t *time.Time) Value {
	if t == nil {
		return Value{}
	}
	return timeValue(*t)
}

func (v Value) empty() bool {
	switch v.Kind {
	case ValueNull:
		return true
	case ValueString:
		return v.Str == ""
	case ValueList:
		return len(v.List) == 0
	default:
		return false
	}
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindTime
	kindBool
	kindList
	kindIdentity
)

// fieldDef resolves a record field. sort is nil when the field has no local
// ordering.
type fieldDef struct {
	kind   fieldKind
	filter func(Record) Value
	sort   func(Record) Value
}

func identityID(id *Identity) Value {
	if id == nil || id.ID == "" {
		return Value{}
	}
	return stringValue(id.ID)
}

func identityLabel(id *Identity) Value {
	if id == nil {
		return Value{}
	}
	if id.Name != "" {
		return stringValue(id.Name)
	}
	return identityID(id)
}

var fieldDefs = map[string]fieldDef{
	"id": {
		kind:   kindString,
		filter: func(r Record) Value { return stringValue(r.ID) },
		sort:   func(r Record) Value { return stringValue(r.ID) },
	},
	"name": {
		kind:   kindString,
		filter: func(r Record) Value { return stringValue(r.Name) },
		sort:   func(r Record) Value { return stringValue(r.Name) },
	},
	"status": {
		kind:   kindString,
		filter: func(r Record) Value { return stringValue(string(r.Status)) },
		sort:   func(r Record) Value { return stringValue(string(r.Status)) },
	},
	"archived": {
		kind:   kindBool,
		filter: func(r Record) Value { return Value{Kind: ValueBool, Bool: r.Archived} },
	},
	"tags": {
		kind:   kindList,
		filter: func(r Record) Value { return Value{Kind: ValueList, List: r.Tags} },
	},
	"assignee": {
		kind:   kindIdentity,
		filter: func(r Record) Value { return identityID(r.Assignee) },
		sort:   func(r Record) Value { return identityLabel(r.Assignee) },
	},
	"uploader": {
		kind:   kindIdentity,
		filter: func(r Record) Value { return identityID(r.Uploader) },
		sort:   func(r Record) Value { return identityLabel(r.Uploader) },
	},
	"version": {
		kind:   kindNumber,
		filter: func(r Record) Value { return Value{Kind: ValueNumber, Num: float64(r.Version)} },
		sort:   func(r Record) Value { return Value{Kind: ValueNumber, Num: float64(r.Version)} },
	},
	"createdAt": {
		kind:   kindTime,
		filter: func(r Record) Value { return timeValue(r.CreatedAt) },
		sort:   func(r Record) Value { return timeValue(r.CreatedAt) },
	},
	"updatedAt": {
		kind:   kindTime,
		filter: func(r Record) Value { return timeValue(r.UpdatedAt) },
		sort:   func(r Record) Value { return timeValue(r.UpdatedAt) },
	},
	"activityAt": {
		kind:   kindTime,
		filter: func(r Record) Value { return timePtrValue(r.ActivityAt) },
		sort:   func(r Record) Value { return timePtrValue(r.ActivityAt) },
	},
	"lastRunStatus": {
		kind: kindString,
		filter: func(r Record) Value {
			if r.LastRun == nil {
				return Value{}
			}
			return stringValue(r.LastRun.Status)
		},
		sort: func(r Record) Value {
			if r.LastRun == nil {
				return Value{}
			}
			return stringValue(r.LastRun.Status)
		},
	},
	"lastRunFinishedAt": {
		kind: kindTime,
		filter: func(r Record) Value {
			if r.LastRun == nil {
				return Value{}
			}
			return timePtrValue(r.LastRun.FinishedAt)
		},
		sort: func(r Record) Value {
			if r.LastRun == nil {
				return Value{}
			}
			return timePtrValue(r.LastRun.FinishedAt)
		},
	},
}

func decodeValue(kind fieldKind, raw json.RawMessage) (Value, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return Value{}, nil
	}
	switch kind {
	case kindString, kindList, kindIdentity:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected string, got %s", trimmed)
		}
		return stringValue(s), nil
	case kindNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("expected number, got %s", trimmed)
		}
		return Value{Kind: ValueNumber, Num: n}, nil
	case kindBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("expected boolean, got %s", trimmed)
		}
		return Value{Kind: ValueBool, Bool: b}, nil
	case kindTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected RFC3339 timestamp, got %s", trimmed)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Value{}, fmt.Errorf("expected RFC3339 timestamp: %v", err)
		}
		return timeValue(t), nil
	}
	return Value{}, fmt.Errorf("unsupported field kind")
}

// SupportsSort reports whether every token has a local comparator.
func SupportsSort(sort SortSpec) bool {
	for _, token := range sort {
		def, ok := fieldDefs[token.Field]
		if !ok || def.sort == nil {
			return false
		}
	}
	return true
}

// compareValues orders two non-null values of the same kind. Strings compare
// case-insensitively.
func compareValues(a, b Value) int {
	switch a.Kind {
	case ValueString:
		return strings.Compare(strings.ToLower(a.Str), strings.ToLower(b.Str))
	case ValueNumber:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case ValueTime:
		return a.Time.Compare(b.Time)
	case ValueBool:
		switch {
		case a.Bool == b.Bool:
			return 0
		case !a.Bool:
			return -1
		}
		return 1
	}
	return 0
}

// Compare is a strict multi-key ordering: nulls last in either direction,
// ties broken by id.
func Compare(left, right Record, sort SortSpec) int {
	for _, token := range sort {
		def, ok := fieldDefs[token.Field]
		if !ok || def.sort == nil {
			continue
		}
		a, b := def.sort(left), def.sort(right)
		switch {
		case a.Kind == ValueNull && b.Kind == ValueNull:
			continue
		case a.Kind == ValueNull:
			return 1
		case b.Kind == ValueNull:
			return -1
		}
		c := compareValues(a, b)
		if token.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(left.ID, right.ID)
}

// Matches evaluates filter membership. requiresRefresh is set when a
// predicate names a field the evaluator cannot resolve; such predicates never
// match locally.
func Matches(r Record, filter FilterSpec) (match bool, requiresRefresh bool) {
	if len(filter.Predicates) > 0 {
		results := make([]bool, 0, len(filter.Predicates))
		for _, p := range filter.Predicates {
			if p.Unknown {
				requiresRefresh = true
				results = append(results, false)
				continue
			}
			results = append(results, evalPredicate(fieldDefs[p.ID].filter(r), p))
		}
		if !combine(results, filter.Join) {
			return false, requiresRefresh
		}
	}
	if filter.Query != "" && !matchesQuery(r, filter.Query) {
		return false, requiresRefresh
	}
	return true, requiresRefresh
}

func combine(results []bool, join JoinOperator) bool {
	if join == JoinOr {
		for _, ok := range results {
			if ok {
				return true
			}
		}
		return false
	}
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

func evalPredicate(field Value, p Predicate) bool {
	switch p.Operator {
	case OpIsEmpty:
		return field.empty()
	case OpIsNotEmpty:
		return !field.empty()
	}
	if field.Kind == ValueList {
		return evalListPredicate(field.List, p)
	}
	switch p.Operator {
	case OpEq:
		return valuesEqual(field, p.Value.Scalar)
	case OpNe:
		return !valuesEqual(field, p.Value.Scalar)
	case OpIn:
		return anyEqual(field, p.Value.List)
	case OpNotIn:
		return !anyEqual(field, p.Value.List)
	case OpLt, OpLte, OpGt, OpGte:
		if field.Kind == ValueNull || p.Value.Scalar.Kind != field.Kind {
			return false
		}
		c := compareValues(field, p.Value.Scalar)
		switch p.Operator {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpBetween:
		if field.Kind == ValueNull || p.Value.Low.Kind != field.Kind || p.Value.High.Kind != field.Kind {
			return false
		}
		return compareValues(field, p.Value.Low) >= 0 && compareValues(field, p.Value.High) <= 0
	}
	return false
}

func evalListPredicate(items []string, p Predicate) bool {
	contains := func(v Value) bool {
		if v.Kind != ValueString {
			return false
		}
		for _, item := range items {
			if strings.EqualFold(item, v.Str) {
				return true
			}
		}
		return false
	}
	switch p.Operator {
	case OpEq:
		return contains(p.Value.Scalar)
	case OpNe:
		return !contains(p.Value.Scalar)
	case OpIn:
		for _, v := range p.Value.List {
			if contains(v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range p.Value.List {
			if contains(v) {
				return false
			}
		}
		return true
	}
	return false
}

func valuesEqual(a, b Value) bool {
	if a.Kind == ValueNull || b.Kind == ValueNull {
		return a.Kind == b.Kind
	}
	if a.Kind != b.Kind {
		return false
	}
	return compareValues(a, b) == 0
}

func anyEqual(field Value, candidates []Value) bool {
	for _, c := range candidates {
		if valuesEqual(field, c) {
			return true
		}
	}
	return false
}

func searchableText(r Record) []string {
	out := []string{r.Name, string(r.Status)}
	out = append(out, r.Tags...)
	if r.Assignee != nil {
		out = append(out, r.Assignee.Name)
	}
	if r.Uploader != nil {
		out = append(out, r.Uploader.Name)
	}
	return out
}

// matchesQuery requires every whitespace-separated token to appear in at
// least one searchable field.
func matchesQuery(r Record, query string) bool {
	fields := searchableText(r)
	for i := range fields {
		fields[i] = strings.ToLower(fields[i])
	}
	for _, token := range strings.Fields(strings.ToLower(query)) {
		found := false
		for _, f := range fields {
			if strings.Contains(f, token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
