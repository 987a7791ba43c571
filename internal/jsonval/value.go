// Package jsonval is a structured JSON value that keeps object member order,
// number text and non-ASCII characters exactly as written.
package jsonval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
)

type Kind int

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "null"
	}
}

// Member is one key/value pair of an object.
type Member struct {
	Key   string
	Value Value
}

// Value is a JSON document. The zero Value is null.
type Value struct {
	kind    Kind
	b       bool
	num     json.Number
	str     string
	items   []Value
	members []Member
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }
func StringValue(s string) Value { return Value{kind: String, str: s} }
func IntValue(n int64) Value { return Value{kind: Number, num: json.Number(strconv.FormatInt(n, 10))} }
func ArrayValue(items ...Value) Value { return Value{kind: Array, items: items} }
func ObjectValue(members ...Member) Value {
	return Value{kind: Object, members: members}
}

// NumberValue wraps literal number text. The text is validated.
func NumberValue(text string) (Value, error) {
	if !json.Valid([]byte(text)) {
		return Value{}, fmt.Errorf("invalid number %q", text)
	}
	if _, err := json.Number(text).Float64(); err != nil {
		return Value{}, fmt.Errorf("invalid number %q", text)
	}
	return Value{kind: Number, num: json.Number(text)}, nil
}

// FloatValue converts f. NaN and infinities have no JSON form.
func FloatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("unsupported float value %v", f)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return Value{}, err
	}
	return Value{kind: Number, num: json.Number(b)}, nil
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) Items() []Value { return v.items }
func (v Value) Members() []Member {
	return v.members
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == Bool
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == String
}

// AsNumber returns the literal number text.
func (v Value) AsNumber() (json.Number, bool) {
	return v.num, v.kind == Number
}

func (v Value) AsInt64() (int64, bool) {
	if v.kind != Number {
		return 0, false
	}
	n, err := v.num.Int64()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v Value) AsFloat64() (float64, bool) {
	if v.kind != Number {
		return 0, false
	}
	f, err := v.num.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Get looks up an object member by key.
func (v Value) Get(key string) (Value, bool) {
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// Equal compares structure, member order and number text.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == o.b
	case Number:
		return v.num == o.num
	case String:
		return v.str == o.str
	case Array:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	default:
		if len(v.members) != len(o.members) {
			return false
		}
		for i := range v.members {
			if v.members[i].Key != o.members[i].Key || !v.members[i].Value.Equal(o.members[i].Value) {
				return false
			}
		}
		return true
	}
}

// Interface converts to plain Go values: nil, bool, json.Number, string,
// []any and map[string]any. Member order is lost.
func (v Value) Interface() any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		return v.num
	case String:
		return v.str
	case Array:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case Object:
		out := make(map[string]any, len(v.members))
		for _, m := range v.members {
			out[m.Key] = m.Value.Interface()
		}
		return out
	default:
		return nil
	}
}

// MaxDepth bounds how deeply From descends into nested maps and slices.
const MaxDepth = 1000

// ErrTooDeep is returned for values nested beyond MaxDepth or that
// reference themselves.
var ErrTooDeep = errors.New("jsonval: value nested too deeply or contains a cycle")

// From converts a Go value. Maps are ordered by key; anything else that
// is not a basic JSON shape goes through encoding/json first.
func From(x any) (Value, error) {
	return from(x, 0)
}

func from(x any, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrTooDeep
	}
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		return NumberValue(string(t))
	case json.RawMessage:
		return Parse(t)
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint32:
		return IntValue(int64(t)), nil
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case []any:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := from(e, depth+1)
			if err != nil {
				return Value{}, err
			}
			items = append(items, ev)
		}
		return ArrayValue(items...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, e := range t {
			items = append(items, StringValue(e))
		}
		return ArrayValue(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		members := make([]Member, 0, len(keys))
		for _, k := range keys {
			mv, err := from(t[k], depth+1)
			if err != nil {
				if errors.Is(err, ErrTooDeep) {
					return Value{}, err
				}
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			members = append(members, Member{Key: k, Value: mv})
		}
		return ObjectValue(members...), nil
	}

	if rv := reflect.ValueOf(x); rv.Kind() == reflect.Func || rv.Kind() == reflect.Chan {
		return Value{}, fmt.Errorf("unsupported type %T", x)
	}
	b, err := json.Marshal(x)
	if err != nil {
		return Value{}, err
	}
	return Parse(b)
}

// Parse decodes exactly one JSON document.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// ParseOr decodes s, returning def when s is empty or malformed.
func ParseOr(s string, def Value) Value {
	if s == "" {
		return def
	}
	v, err := Parse([]byte(s))
	if err != nil {
		return def
	}
	return v
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Value{}, nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		return Value{kind: Number, num: t}, nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				it, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, it)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ArrayValue(items...), nil
		case '{':
			members := []Member{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, ok := kt.(string)
				if !ok {
					return Value{}, fmt.Errorf("unexpected object key %v", kt)
				}
				mv, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				members = append(members, Member{Key: key, Value: mv})
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return ObjectValue(members...), nil
		}
	}
	return Value{}, fmt.Errorf("unexpected token %v", tok)
}

// Encode renders v as compact JSON without escaping HTML or non-ASCII characters.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

// Marshal converts x with From and returns its encoded text.
func Marshal(x any) (string, error) {
	v, err := From(x)
	if err != nil {
		return "", fmt.Errorf("failed to serialize value: %w", err)
	}
	return string(Encode(v)), nil
}

func (v Value) String() string {
	return string(Encode(v))
}

func (v Value) MarshalJSON() ([]byte, error) {
	return Encode(v), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.kind {
	case Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(v.b))
	case Number:
		buf.WriteString(string(v.num))
	case String:
		encodeString(buf, v.str)
	case Array:
		buf.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeTo(buf, it)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, m := range v.members {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, m.Key)
			buf.WriteByte(':')
			encodeTo(buf, m.Value)
		}
		buf.WriteByte('}')
	}
}

func encodeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}
