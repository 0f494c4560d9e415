// Package tools is the inbound surface: the MCP server, the tool
// catalog with its argument schemas, and the dispatcher that fronts
// every handler.
package tools

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/pilothouse-dev/pilothouse/internal/browser"
)

// Kind is the declared type of one tool argument.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "integer"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Param declares one argument of a tool.
type Param struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool
	Default     any
	Enum        []string
	Min         *float64
	Max         *float64
}

// HandlerFunc is a tool implementation. b is nil for tools on the
// ensure-connected allow-list when no browser is available.
type HandlerFunc func(ctx context.Context, d *Dispatcher, b *browser.Browser, args map[string]any) (map[string]any, error)

// Descriptor declares a tool: schema, policy and implementation.
type Descriptor struct {
	Name        string
	Description string
	Advanced    bool
	// SkipEnsure marks the tool as usable without a connected browser.
	SkipEnsure bool
	// Timeout is the per-call deadline; zero means the default.
	Timeout time.Duration
	Params  []Param
	Handler HandlerFunc
}

// Validate checks args against the declared params, coerces JSON
// number representations, injects defaults and rejects unknown keys.
func (d *Descriptor) Validate(args map[string]any) (map[string]any, error) {
	byName := make(map[string]*Param, len(d.Params))
	for i := range d.Params {
		byName[d.Params[i].Name] = &d.Params[i]
	}

	for name := range args {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("unknown argument %q", name)
		}
	}

	out := make(map[string]any, len(d.Params))
	for i := range d.Params {
		p := &d.Params[i]
		raw, present := args[p.Name]
		if !present || raw == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required argument %q", p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		coerced, err := p.coerce(raw)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func (p *Param) coerce(raw any) (any, error) {
	switch p.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a string", p.Name)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if e == s {
					return s, nil
				}
			}
			return nil, fmt.Errorf("argument %q must be one of %v", p.Name, p.Enum)
		}
		return s, nil

	case KindInt:
		f, ok := rawNumber(raw)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("argument %q must be an integer", p.Name)
		}
		if err := p.checkRange(f); err != nil {
			return nil, err
		}
		return int64(f), nil

	case KindNumber:
		f, ok := rawNumber(raw)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a number", p.Name)
		}
		if err := p.checkRange(f); err != nil {
			return nil, err
		}
		return f, nil

	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a boolean", p.Name)
		}
		return b, nil

	case KindObject:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an object", p.Name)
		}
		return m, nil

	case KindArray:
		a, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an array", p.Name)
		}
		return a, nil
	}
	return raw, nil
}

func (p *Param) checkRange(f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("argument %q must be >= %v", p.Name, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("argument %q must be <= %v", p.Name, *p.Max)
	}
	return nil
}

// rawNumber accepts the representations a JSON decoder may hand us.
func rawNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// InputSchema renders the descriptor's params as the JSON schema
// advertised in the tool listing.
func (d *Descriptor) InputSchema() *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema, len(d.Params))
	var required []string
	for i := range d.Params {
		p := &d.Params[i]
		s := &jsonschema.Schema{Type: string(p.Kind), Description: p.Description}
		for _, e := range p.Enum {
			s.Enum = append(s.Enum, e)
		}
		if p.Min != nil {
			s.Minimum = p.Min
		}
		if p.Max != nil {
			s.Maximum = p.Max
		}
		props[p.Name] = s
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// helpers for building params

func fptr(f float64) *float64 { return &f }
