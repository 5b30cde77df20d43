package component

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Props is an insertion-ordered string-keyed map of Values. Serialisation
// follows insertion order so encoded trees are deterministic.
type Props struct {
	keys []string
	vals map[string]Value
}

func NewProps() *Props {
	return &Props{vals: make(map[string]Value)}
}

// PropsOf builds Props from a plain map. Keys are sorted because Go maps have
// no order of their own.
func PropsOf(m map[string]any) (*Props, error) {
	p := NewProps()
	for _, k := range sortedKeys(m) {
		v, err := ValueOf(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		p.Set(k, v)
	}
	return p, nil
}

func (p *Props) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

func (p *Props) Keys() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.keys...)
}

func (p *Props) Get(key string) (Value, bool) {
	if p == nil {
		return Value{}, false
	}
	v, ok := p.vals[key]
	return v, ok
}

// Set inserts or replaces key. Replacing keeps the original position.
func (p *Props) Set(key string, v Value) *Props {
	if p.vals == nil {
		p.vals = make(map[string]Value)
	}
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = v
	return p
}

func (p *Props) Delete(key string) {
	if p == nil {
		return
	}
	if _, ok := p.vals[key]; !ok {
		return
	}
	delete(p.vals, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i:i], p.keys[i+1:]...)
			break
		}
	}
}

// Range calls fn in insertion order until it returns false.
func (p *Props) Range(fn func(key string, v Value) bool) {
	if p == nil {
		return
	}
	for _, k := range p.keys {
		if !fn(k, p.vals[k]) {
			return
		}
	}
}

// Clone returns a copy that shares no mutable state with p.
func (p *Props) Clone() *Props {
	if p == nil {
		return nil
	}
	out := &Props{
		keys: append([]string(nil), p.keys...),
		vals: make(map[string]Value, len(p.vals)),
	}
	for k, v := range p.vals {
		out.vals[k] = cloneValue(v)
	}
	return out
}

// Merge returns a new Props with patch applied on top of p. Existing keys keep
// their position; new keys are appended in patch order.
func (p *Props) Merge(patch *Props) *Props {
	out := p.Clone()
	if out == nil {
		out = NewProps()
	}
	patch.Range(func(k string, v Value) bool {
		out.Set(k, cloneValue(v))
		return true
	})
	return out
}

// Equal treats nil and empty as equal.
func (p *Props) Equal(o *Props) bool {
	if p.Len() != o.Len() {
		return false
	}
	if p.Len() == 0 {
		return true
	}
	for i, k := range p.keys {
		if o.keys[i] != k {
			return false
		}
		if !p.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}

func (p *Props) Interface() map[string]any {
	out := make(map[string]any, p.Len())
	p.Range(func(k string, v Value) bool {
		out[k] = v.Interface()
		return true
	})
	return out
}

func (p *Props) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Props) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	var err error
	i := 0
	p.Range(func(k string, v Value) bool {
		if i > 0 {
			buf.WriteByte(',')
		}
		i++
		var kb []byte
		kb, err = json.Marshal(k)
		if err != nil {
			return false
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err = v.encode(buf); err != nil {
			err = fmt.Errorf("key %q: %w", k, err)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func (p *Props) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	out, err := decodePropsBody(dec)
	if err != nil {
		return err
	}
	*p = *out
	return nil
}

// decodePropsBody reads members after an opening '{' through the closing '}'.
func decodePropsBody(dec *json.Decoder) (*Props, error) {
	p := NewProps()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("component: expected object key, got %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		p.Set(key, v)
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return p, nil
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = cloneValue(item)
		}
		v.list = items
	case KindMap:
		v.m = v.m.Clone()
	}
	return v
}
