package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/xeipuuv/gojsonschema"
)

func compileSchema(raw json.RawMessage) (*gojsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}

// validate returns one detail per violation; err is reserved for payloads
// that are not JSON at all.
func validate(s *gojsonschema.Schema, payload []byte) ([]string, error) {
	if s == nil {
		if !json.Valid(payload) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return nil, nil
	}
	res, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if res.Valid() {
		return nil, nil
	}
	details := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		details = append(details, e.String())
	}
	return details, nil
}

// reflectSchema derives an inline JSON Schema from the Go type T.
func reflectSchema[T any](allowAdditional bool) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(T))
	// The draft marker and id are noise for clients and for the validator.
	s.Version = ""
	s.ID = ""
	if s.Type == "" {
		s.Type = "object"
	}
	b, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", *new(T), err))
	}
	return b
}

// Property is one node of a hand-written object schema.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Minimum     *int      `json:"minimum,omitempty"`
}

func String(desc string) Property  { return Property{Type: "string", Description: desc} }
func Integer(desc string) Property { return Property{Type: "integer", Description: desc} }
func Boolean(desc string) Property { return Property{Type: "boolean", Description: desc} }

func StringArray(desc string) Property {
	return Property{Type: "array", Description: desc, Items: &Property{Type: "string"}}
}

func Enum(desc string, values ...string) Property {
	return Property{Type: "string", Description: desc, Enum: values}
}

// Min sets an inclusive lower bound on an integer property.
func (p Property) Min(n int) Property {
	p.Minimum = &n
	return p
}

// ObjectSchema assembles an object schema with properties in declaration
// order.
type ObjectSchema struct {
	props    *orderedmap.OrderedMap[string, Property]
	required []string
}

// Object starts an object schema. Unknown properties are rejected.
func Object() *ObjectSchema {
	return &ObjectSchema{props: orderedmap.New[string, Property]()}
}

func (o *ObjectSchema) Required(name string, p Property) *ObjectSchema {
	o.props.Set(name, p)
	o.required = append(o.required, name)
	return o
}

func (o *ObjectSchema) Optional(name string, p Property) *ObjectSchema {
	o.props.Set(name, p)
	return o
}

// Build renders the schema.
func (o *ObjectSchema) Build() json.RawMessage {
	doc := struct {
		Type                 string                                   `json:"type"`
		Properties           *orderedmap.OrderedMap[string, Property] `json:"properties"`
		Required             []string                                 `json:"required,omitempty"`
		AdditionalProperties bool                                     `json:"additionalProperties"`
	}{"object", o.props, o.required, false}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tools: build object schema: %v", err))
	}
	return b
}
