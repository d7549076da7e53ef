package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FilterKind tags the variant held by a FilterValue
type FilterKind int

const (
	FilterKindString FilterKind = iota
	FilterKindNumber
	FilterKindBool
	FilterKindStringList
)

// FilterValue is a tagged variant for metadata filters. Exactly one of the
// payload fields is meaningful, selected by Kind.
type FilterValue struct {
	Kind FilterKind
	Str  string
	Num  float64
	Bool bool
	List []string
}

// StringFilter creates a string-valued filter
func StringFilter(s string) FilterValue {
	return FilterValue{Kind: FilterKindString, Str: s}
}

// NumberFilter creates a numeric filter
func NumberFilter(n float64) FilterValue {
	return FilterValue{Kind: FilterKindNumber, Num: n}
}

// BoolFilter creates a boolean filter
func BoolFilter(b bool) FilterValue {
	return FilterValue{Kind: FilterKindBool, Bool: b}
}

// StringListFilter creates a list-valued filter
func StringListFilter(vals ...string) FilterValue {
	return FilterValue{Kind: FilterKindStringList, List: vals}
}

// canonical renders the value deterministically for digesting
func (v FilterValue) canonical() string {
	switch v.Kind {
	case FilterKindString:
		return "s:" + v.Str
	case FilterKindNumber:
		return "n:" + strconv.FormatFloat(v.Num, 'g', -1, 64)
	case FilterKindBool:
		return "b:" + strconv.FormatBool(v.Bool)
	case FilterKindStringList:
		sorted := append([]string(nil), v.List...)
		sort.Strings(sorted)
		return "l:" + strings.Join(sorted, "\x1f")
	}
	return ""
}

// MarshalJSON renders the active variant as its natural JSON value
func (v FilterValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FilterKindString:
		return json.Marshal(v.Str)
	case FilterKindNumber:
		return json.Marshal(v.Num)
	case FilterKindBool:
		return json.Marshal(v.Bool)
	case FilterKindStringList:
		return json.Marshal(v.List)
	}
	return nil, fmt.Errorf("unknown filter kind %d", v.Kind)
}

// UnmarshalJSON picks the variant from the JSON value's type
func (v *FilterValue) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case string:
		*v = StringFilter(t)
	case float64:
		*v = NumberFilter(t)
	case bool:
		*v = BoolFilter(t)
	case []interface{}:
		list := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("filter lists must contain only strings, got %T", item)
			}
			list = append(list, s)
		}
		*v = StringListFilter(list...)
	default:
		return fmt.Errorf("unsupported filter value type %T", raw)
	}
	return nil
}

// Matches reports whether a metadata value satisfies the filter. Metadata
// values arrive as decoded JSON, so numbers are float64 and lists are
// []interface{}. A list filter matches when the metadata value is a member,
// or when the metadata value is itself a list sharing at least one element.
func (v FilterValue) Matches(meta interface{}) bool {
	switch v.Kind {
	case FilterKindString:
		s, ok := meta.(string)
		return ok && s == v.Str
	case FilterKindNumber:
		n, ok := meta.(float64)
		return ok && n == v.Num
	case FilterKindBool:
		b, ok := meta.(bool)
		return ok && b == v.Bool
	case FilterKindStringList:
		switch t := meta.(type) {
		case string:
			for _, want := range v.List {
				if t == want {
					return true
				}
			}
		case []interface{}:
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					continue
				}
				for _, want := range v.List {
					if s == want {
						return true
					}
				}
			}
		case []string:
			for _, s := range t {
				for _, want := range v.List {
					if s == want {
						return true
					}
				}
			}
		}
	}
	return false
}

// Filters maps metadata field names to filter values
type Filters map[string]FilterValue

// Digest returns a stable hex digest of the filter set. Keys are sorted
// so equivalent filters always produce the same digest across processes.
func (f Filters) Digest() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(f[k].canonical()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
