package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/xtxerr/beacon/internal/errors"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns a human-readable representation of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged variant over the JSON data model. It is the open payload
// bag carried by every telemetry record: every leaf is reachable by an
// extraction path, and all access goes through typed accessors rather than
// reflection.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value.
func Array(elems ...Value) Value { return Value{kind: KindArray, arr: elems} }

// Object returns an object value. The map is retained, not copied.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull returns true for the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload, with ok=false for other kinds.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsFloat returns the numeric payload, with ok=false for other kinds.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// AsString returns the string payload, with ok=false for other kinds.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Len returns the element count for arrays, field count for objects, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.obj)
	default:
		return 0
	}
}

// Index returns the i-th element of an array value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Null(), false
	}
	return v.arr[i], true
}

// Field returns the named member of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	val, ok := v.obj[name]
	return val, ok
}

// Keys returns the sorted member names of an object value.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts the value back to the generic JSON representation.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts a decoded JSON value into a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Number(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Null(), fmt.Errorf("parse number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case int:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case string:
		return String(x), nil
	case []interface{}:
		elems := make([]Value, len(x))
		for i, e := range x {
			v, err := FromInterface(e)
			if err != nil {
				return Null(), err
			}
			elems[i] = v
		}
		return Array(elems...), nil
	case map[string]interface{}:
		fields := make(map[string]Value, len(x))
		for k, e := range x {
			v, err := FromInterface(e)
			if err != nil {
				return Null(), err
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", raw)
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue decodes a JSON document into a Value.
func ParseValue(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Null(), err
	}
	return v, nil
}

// =============================================================================
// Extraction paths
// =============================================================================

// PathSegment is one step of a parsed extraction path: an object member name
// or an array index.
type PathSegment struct {
	Name    string
	Index   int
	IsIndex bool
}

// ParsePath parses an extraction path like "motor.rpm" or "readings[2].value"
// into segments. The path is relative to the custom-field bag root.
func ParsePath(path string) ([]PathSegment, error) {
	if path == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "empty extraction path")
	}

	var segs []PathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "extraction path %q has empty segment", path)
		}

		// Split off any [idx] suffixes.
		name := part
		var suffixes []string
		if i := strings.IndexByte(part, '['); i >= 0 {
			name = part[:i]
			rest := part[i:]
			for rest != "" {
				if rest[0] != '[' {
					return nil, errors.Wrapf(errors.ErrInvalidRequest, "extraction path %q: malformed index", path)
				}
				close := strings.IndexByte(rest, ']')
				if close < 0 {
					return nil, errors.Wrapf(errors.ErrInvalidRequest, "extraction path %q: unterminated index", path)
				}
				suffixes = append(suffixes, rest[1:close])
				rest = rest[close+1:]
			}
		}

		if name != "" {
			segs = append(segs, PathSegment{Name: name})
		} else if len(suffixes) == 0 {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "extraction path %q has empty segment", path)
		}

		for _, s := range suffixes {
			idx, err := strconv.Atoi(s)
			if err != nil || idx < 0 {
				return nil, errors.Wrapf(errors.ErrInvalidRequest, "extraction path %q: bad index %q", path, s)
			}
			segs = append(segs, PathSegment{Index: idx, IsIndex: true})
		}
	}

	return segs, nil
}

// Extract resolves an extraction path within the value. A path that walks off
// the structure resolves to the null value rather than an error; only a
// malformed path is an error.
func (v Value) Extract(path string) (Value, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return Null(), err
	}

	cur := v
	for _, seg := range segs {
		if seg.IsIndex {
			next, ok := cur.Index(seg.Index)
			if !ok {
				return Null(), nil
			}
			cur = next
			continue
		}
		next, ok := cur.Field(seg.Name)
		if !ok {
			return Null(), nil
		}
		cur = next
	}

	return cur, nil
}

// JSONPath converts an extraction path into the '$'-rooted JSON path syntax
// understood by DuckDB's json_extract family.
func JSONPath(path string) (string, error) {
	segs, err := ParsePath(path)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range segs {
		if seg.IsIndex {
			fmt.Fprintf(&b, "[%d]", seg.Index)
			continue
		}
		b.WriteByte('.')
		// Member names with path metacharacters need quoting.
		if strings.ContainsAny(seg.Name, ".[]\"$ ") {
			fmt.Fprintf(&b, "%q", seg.Name)
		} else {
			b.WriteString(seg.Name)
		}
	}
	return b.String(), nil
}
