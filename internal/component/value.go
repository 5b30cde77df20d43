package component

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

var ErrUnsupportedValue = errors.New("component: unsupported property value")

// ValueKind enumerates the closed set of property value variants.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is one property or style value. The zero Value is invalid.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	list []Value
	m    *Props
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func MapValue(p *Props) Value { return Value{kind: KindMap, m: p} }
func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsValid() bool { return v.kind != 0 }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Boolean() bool { return v.b }
func (v Value) Items() []Value { return append([]Value(nil), v.list...) }
func (v Value) Map() *Props { return v.m }

// Equal reports deep equality, including map key order.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.m.Equal(o.m)
	default:
		return true
	}
}

// Interface converts the value into plain Go data (string, float64, bool,
// []any, map[string]any) for schema validation and logging.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		return v.m.Interface()
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, v.num)
		}
		buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindList:
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		return v.m.encode(buf)
	default:
		return ErrUnsupportedValue
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeValue(dec)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ValueOf converts plain Go data into a Value.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		return Number(f), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := ValueOf(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	case map[string]any:
		p, err := PropsOf(t)
		if err != nil {
			return Value{}, err
		}
		return MapValue(p), nil
	case *Props:
		return MapValue(t), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			p, err := decodePropsBody(dec)
			if err != nil {
				return Value{}, err
			}
			return MapValue(p), nil
		case '[':
			var items []Value
			for dec.More() {
				item, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return List(items...), nil
		}
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(f), nil
	case nil:
		return Value{}, fmt.Errorf("%w: null", ErrUnsupportedValue)
	}
	return Value{}, fmt.Errorf("%w: unexpected token %v", ErrUnsupportedValue, tok)
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("component: expected %q, got %v", want, tok)
	}
	return nil
}
