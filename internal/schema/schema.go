// Package schema validates inbound JSON payloads against the embedded
// JSON Schemas before they are decoded into engine types.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

// Schema names.
const (
	Template   = "template"
	Delegation = "delegation"
	Submission = "submission"
	Decision   = "decision"
)

//go:embed schemas/*.json
var files embed.FS

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	names := []string{Template, Delegation, Submission, Decision}
	for _, name := range names {
		data, err := files.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaID(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := compiler.Compile(schemaID(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = compiled
	}
	return v, nil
}

// MustNew is New for program start-up.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a raw JSON document against the named schema. Violations
// are reported as INVALID_INPUT errors listing each failing location.
func (v *Validator) Validate(name string, raw []byte) error {
	compiled, ok := v.schemas[name]
	if !ok {
		return errors.New(errors.ErrCodeInternal, "unknown schema "+name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return errors.InvalidInput("body", "malformed JSON: "+err.Error())
	}

	if err := compiled.Validate(doc); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return errors.Wrap(err, errors.ErrCodeInternal, "schema validation failed")
		}
		return errors.InvalidInput(name, strings.Join(violations(ve), "; "))
	}
	return nil
}

// violations flattens a validation error tree to its leaves.
func violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

func schemaID(name string) string {
	return "inmemory://approvals/" + name + ".json"
}
