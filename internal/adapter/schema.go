// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package adapter

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaID is the $id of the payload schema.
const SchemaID = "https://holomush.dev/schemas/sagaflow-payload.schema.json"

// compiledSchema compiles the payload schema once per process.
var compiledSchema = sync.OnceValues(compileSchema)

// GenerateSchema generates a JSON Schema from the Payload struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&Payload{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "sagaflow run payload"
	schema.Description = "Schema for documents submitted to a sagaflow runtime"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.Wrapf(err, "marshal schema")
	}
	return data, nil
}

func compileSchema() (*jschema.Schema, error) {
	schemaBytes, err := GenerateSchema()
	if err != nil {
		return nil, err
	}

	var schemaData any
	if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
		return nil, oops.Wrapf(err, "parse schema JSON")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("payload.schema.json", schemaData); err != nil {
		return nil, oops.Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile("payload.schema.json")
	if err != nil {
		return nil, oops.Wrapf(err, "compile schema")
	}
	return sch, nil
}

// validateSchema checks a decoded document against the payload schema.
func validateSchema(doc any) error {
	sch, err := compiledSchema()
	if err != nil {
		return oops.Code(CodeSchemaUnavailable).Wrapf(err, "payload schema unavailable")
	}
	if err := sch.Validate(doc); err != nil {
		return oops.Code(CodeValidationFailed).
			With("reason", "schema").
			Wrapf(err, "payload does not match schema")
	}
	return nil
}

// convertToJSONTypes converts YAML-decoded data to the types the schema
// validator expects.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = convertToJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertToJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}
