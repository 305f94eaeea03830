package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jcputter/resoto/pkg/bus"
)

// Kind validates and coerces one section of a configuration document.
// CheckValid returns the possibly rewritten value, e.g. a duration string in
// canonical form.
type Kind interface {
	Name() string
	CheckValid(m *Model, value interface{}) (interface{}, error)
}

// SimpleKind is a scalar kind identified by its base type.
type SimpleKind struct {
	KindName string `json:"name"`
	BaseType string `json:"type"` // string, bool, int, float, duration
}

func (k SimpleKind) Name() string { return k.KindName }

func (k SimpleKind) CheckValid(_ *Model, value interface{}) (interface{}, error) {
	switch k.BaseType {
	case "string":
		if _, ok := value.(string); !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return value, nil
	case "bool":
		if _, ok := value.(bool); !ok {
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
		return value, nil
	case "int":
		switch v := value.(type) {
		case int, int64:
			return value, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return nil, fmt.Errorf("expected integer, got %v", v)
		default:
			return nil, fmt.Errorf("expected integer, got %T", value)
		}
	case "float":
		switch value.(type) {
		case int, int64, float64:
			return value, nil
		default:
			return nil, fmt.Errorf("expected number, got %T", value)
		}
	case "duration":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected duration string, got %T", value)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		// coercion rewrites the value into canonical form
		return d.String(), nil
	default:
		return nil, fmt.Errorf("unknown base type %q", k.BaseType)
	}
}

// Property is one named field of a complex kind.
type Property struct {
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Required    bool        `json:"required,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Description string      `json:"description,omitempty"`
}

// ComplexKind is a structured kind with ordered, typed properties. Keys not
// declared in the schema pass through unchecked.
type ComplexKind struct {
	KindName   string     `json:"name"`
	Properties []Property `json:"properties"`
}

func (k ComplexKind) Name() string { return k.KindName }

func (k ComplexKind) CheckValid(m *Model, value interface{}) (interface{}, error) {
	section, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected object for kind %s, got %T", k.KindName, value)
	}
	out := make(bus.Json, len(section))
	for key, v := range section {
		out[key] = v
	}
	for _, prop := range k.Properties {
		v, present := section[prop.Name]
		if !present {
			if prop.Required && prop.Default == nil {
				return nil, fmt.Errorf("property %s is required", prop.Name)
			}
			if prop.Default != nil {
				out[prop.Name] = prop.Default
			}
			continue
		}
		propKind := m.Get(prop.Kind)
		if propKind == nil {
			continue
		}
		coerced, err := propKind.CheckValid(m, v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", prop.Name, err)
		}
		out[prop.Name] = coerced
	}
	return out, nil
}

// CreateYAML renders the value through the schema: fields in schema order,
// preceded by their descriptions as comments, then any undeclared keys.
func (k ComplexKind) CreateYAML(m *Model, value bus.Json, indent int) string {
	var b strings.Builder
	prefix := strings.Repeat("  ", indent)
	seen := make(map[string]bool, len(k.Properties))
	for _, prop := range k.Properties {
		v, ok := value[prop.Name]
		if !ok {
			continue
		}
		seen[prop.Name] = true
		if prop.Description != "" {
			b.WriteString(fmt.Sprintf("%s# %s\n", prefix, prop.Description))
		}
		if nested, isComplex := m.Get(prop.Kind).(ComplexKind); isComplex {
			if section, isMap := v.(map[string]interface{}); isMap {
				b.WriteString(fmt.Sprintf("%s%s:\n", prefix, prop.Name))
				b.WriteString(nested.CreateYAML(m, section, indent+1))
				continue
			}
		}
		b.WriteString(renderScalar(prefix, prop.Name, v))
	}
	var rest []string
	for key := range value {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		b.WriteString(renderScalar(prefix, key, value[key]))
	}
	return b.String()
}

func renderScalar(prefix, key string, value interface{}) string {
	data, err := yaml.Marshal(map[string]interface{}{key: value})
	if err != nil {
		return fmt.Sprintf("%s%s: null\n", prefix, key)
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		b.WriteString(prefix + line + "\n")
	}
	return b.String()
}

// Model is the set of known kinds, keyed by name.
type Model struct {
	kinds map[string]Kind
}

// builtinKinds are always available without being persisted.
var builtinKinds = []Kind{
	SimpleKind{KindName: "string", BaseType: "string"},
	SimpleKind{KindName: "boolean", BaseType: "bool"},
	SimpleKind{KindName: "int32", BaseType: "int"},
	SimpleKind{KindName: "int64", BaseType: "int"},
	SimpleKind{KindName: "double", BaseType: "float"},
	SimpleKind{KindName: "duration", BaseType: "duration"},
}

// NewModel builds a model from the given kinds plus the builtins.
func NewModel(kinds []Kind) *Model {
	m := &Model{kinds: make(map[string]Kind, len(kinds)+len(builtinKinds))}
	for _, k := range builtinKinds {
		m.kinds[k.Name()] = k
	}
	for _, k := range kinds {
		m.kinds[k.Name()] = k
	}
	return m
}

// Get returns the kind with the given name, or nil.
func (m *Model) Get(name string) Kind {
	return m.kinds[name]
}

// kindDoc is the persisted form of a kind: complex kinds carry properties,
// simple kinds a base type.
type kindDoc struct {
	Name       string     `json:"name"`
	Type       string     `json:"type,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

// MarshalKind encodes a kind for the configs_model collection.
func MarshalKind(k Kind) ([]byte, error) {
	switch kind := k.(type) {
	case SimpleKind:
		return json.Marshal(kindDoc{Name: kind.KindName, Type: kind.BaseType})
	case ComplexKind:
		return json.Marshal(kindDoc{Name: kind.KindName, Properties: kind.Properties})
	default:
		return nil, fmt.Errorf("unknown kind %T", k)
	}
}

// UnmarshalKind decodes a persisted kind.
func UnmarshalKind(data []byte) (Kind, error) {
	var doc kindDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Properties) > 0 {
		return ComplexKind{KindName: doc.Name, Properties: doc.Properties}, nil
	}
	if doc.Type != "" {
		return SimpleKind{KindName: doc.Name, BaseType: doc.Type}, nil
	}
	return ComplexKind{KindName: doc.Name}, nil
}
