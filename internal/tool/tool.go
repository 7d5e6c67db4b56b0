// Package tool provides the tool catalog exposed to the interpreter and
// the provider interface the kernel dispatches tool calls against.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Param is a typed parameter of a tool definition.
type Param struct {
	Name string `json:"name"`
	// Type is a python-style type name: "str", "int", "float", "bool",
	// "list", "dict", "any".
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Typed builds a required parameter.
func Typed(name, typ string) Param {
	return Param{Name: name, Type: typ, Required: true}
}

// Optional builds an optional parameter.
func Optional(name, typ string) Param {
	return Param{Name: name, Type: typ, Required: false}
}

// Definition describes one tool in the catalog. Definitions are
// immutable for a session's lifetime.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
	// Returns is the python-style return type; defaults to "any".
	Returns string `json:"returns,omitempty"`
	// Hidden tools stay callable but are not injected into the prompt
	// or the interpreter namespace.
	Hidden bool `json:"hidden,omitempty"`
}

// Signature renders a typed python-style signature:
// name(param: type, ...) -> ret.
func (d Definition) Signature() string {
	parts := make([]string, 0, len(d.Params))
	for _, p := range d.Params {
		s := fmt.Sprintf("%s: %s", p.Name, p.Type)
		if !p.Required {
			s += " = None"
		}
		parts = append(parts, s)
	}
	ret := d.Returns
	if ret == "" {
		ret = "any"
	}
	return fmt.Sprintf("%s(%s) -> %s", d.Name, strings.Join(parts, ", "), ret)
}

// FormatDocs renders the visible catalog as a documentation block for
// prompt injection. Hidden tools are skipped.
func FormatDocs(defs []Definition) string {
	var b strings.Builder
	for _, d := range defs {
		if d.Hidden {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- `%s`", d.Signature())
		if d.Description != "" {
			fmt.Fprintf(&b, " — %s", d.Description)
		}
		for _, p := range d.Params {
			if p.Description != "" {
				fmt.Fprintf(&b, "\n    - `%s`: %s", p.Name, p.Description)
			}
		}
	}
	return b.String()
}

// CatalogJSON serializes the definitions for the init frame.
func CatalogJSON(defs []Definition) string {
	if len(defs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(defs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Result is the outcome of one tool execution. Result is an opaque
// string; the kernel never parses it.
type Result struct {
	Success bool
	Result  string
}

// Ok builds a successful result.
func Ok(result string) Result {
	return Result{Success: true, Result: result}
}

// Err builds a failed result.
func Err(result string) Result {
	return Result{Success: false, Result: result}
}

// CallRecord captures one tool invocation during an exec.
type CallRecord struct {
	Tool     string          `json:"tool"`
	Args     json.RawMessage `json:"args"`
	Result   string          `json:"result"`
	Success  bool            `json:"success"`
	Duration time.Duration   `json:"duration"`
}

// Provider supplies the catalog and executes calls. Implementations
// must be safe for concurrent invocation: the session dispatches
// interleaved tool calls from independent goroutines.
type Provider interface {
	Definitions() []Definition
	Execute(ctx context.Context, name string, args json.RawMessage) Result
}
