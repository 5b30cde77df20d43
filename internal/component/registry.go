package component

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TypeDef describes one allowed component type. Schema, when set, is a JSON
// Schema (draft 2020-12) applied to the node's properties.
type TypeDef struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Schema      string `json:"schema,omitempty" yaml:"schema,omitempty" toml:"schema,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// Registry is the allowed-type set for a tree. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]TypeDef
	schemas map[string]*jsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		defs:    make(map[string]TypeDef),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// BuiltinTypes lists the types every server knows about.
var BuiltinTypes = []TypeDef{
	{Name: "container", Description: "generic layout box"},
	{Name: "text", Schema: `{"type":"object","properties":{"content":{"type":"string"}}}`},
	{Name: "input", Schema: `{"type":"object","properties":{"name":{"type":"string"},"placeholder":{"type":"string"},"value":{"type":"string"},"required":{"type":"boolean"}}}`},
	{Name: "button", Schema: `{"type":"object","properties":{"label":{"type":"string"},"disabled":{"type":"boolean"}}}`},
	{Name: "form", Schema: `{"type":"object","properties":{"action":{"type":"string"},"method":{"type":"string"}}}`},
	{Name: "image", Schema: `{"type":"object","properties":{"src":{"type":"string"},"alt":{"type":"string"}}}`},
	{Name: "list", Schema: `{"type":"object","properties":{"ordered":{"type":"boolean"},"items":{"type":"array"}}}`},
	{Name: "card", Schema: `{"type":"object","properties":{"title":{"type":"string"}}}`},
	{Name: "select", Schema: `{"type":"object","properties":{"name":{"type":"string"},"options":{"type":"array"},"multiple":{"type":"boolean"}}}`},
	{Name: "checkbox", Schema: `{"type":"object","properties":{"name":{"type":"string"},"checked":{"type":"boolean"},"label":{"type":"string"}}}`},
	{Name: "link", Schema: `{"type":"object","properties":{"href":{"type":"string"},"label":{"type":"string"}}}`},
	{Name: "heading", Schema: `{"type":"object","properties":{"content":{"type":"string"},"level":{"type":"number","minimum":1,"maximum":6}}}`},
	{Name: "divider"},
}

// NewBuiltinRegistry returns a registry holding BuiltinTypes.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, def := range BuiltinTypes {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a type definition, compiling its schema up front.
func (r *Registry) Register(def TypeDef) error {
	if def.Name == "" {
		return fmt.Errorf("component: type name is empty")
	}
	var compiled *jsonschema.Schema
	if def.Schema != "" {
		var err error
		compiled, err = compileSchema(def.Name, def.Schema)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("component: type already registered: %s", def.Name)
	}
	r.defs[def.Name] = def
	if compiled != nil {
		r.schemas[def.Name] = compiled
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://mup.schemas.local/component/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("component: load schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("component: compile schema for %s: %w", name, err)
	}
	return compiled, nil
}

func (r *Registry) Get(name string) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

func (r *Registry) Allows(typ string) bool {
	_, ok := r.Get(typ)
	return ok
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.defs)
}

// CheckProperties validates props against the type's schema. Types without
// a schema accept anything.
func (r *Registry) CheckProperties(typ string, props *Props) error {
	r.mu.RLock()
	schema, ok := r.schemas[typ]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(props.Interface()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidProperty, typ, err)
	}
	return nil
}

// Subset returns a registry restricted to names that r knows about. Unknown
// names are ignored; an empty names list yields a copy of r.
func (r *Registry) Subset(names []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	keep := names
	if len(keep) == 0 {
		keep = sortedKeys(r.defs)
	}
	for _, name := range keep {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		out.defs[name] = def
		if s, ok := r.schemas[name]; ok {
			out.schemas[name] = s
		}
	}
	return out
}
