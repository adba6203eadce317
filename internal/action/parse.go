package action

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema constrains the shape of the wire envelope, not its meaning:
// the policy engine is responsible for unknown or missing action names.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"action":   {"type": "string"},
		"path":     {"type": "string"},
		"cwd":      {"type": "string"},
		"dest":     {"type": "string"},
		"target":   {"type": "string"},
		"source":   {"type": "string"},
		"content":  {"type": "string"},
		"old_text": {"type": "string"},
		"new_text": {"type": "string"},
		"cmd":      {"type": "string"},
		"url":      {"type": "string"},
		"method":   {"type": "string"},
		"body":     {"type": "string"},
		"headers":  {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("envelope.json")
	})
	return schema, schemaErr
}

// Parse validates raw JSON against the envelope schema and decodes it into a
// concrete Action variant. Malformed input is an error; an unknown or absent
// action name is not — it decodes to Unknown so the engine can audit it.
func Parse(raw []byte) (Action, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	fields, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: envelope must be a JSON object", ErrInvalid)
	}
	name := strings.TrimSpace(stringField(fields, "action"))
	delete(fields, "action")
	return fromEnvelope(name, fields)
}
