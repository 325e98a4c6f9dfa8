package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles a tool's parameter schema. The root must describe
// an object.
func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]interface{}{"type": "object"}
	}
	if t, ok := params["type"].(string); ok && t != "object" {
		return nil, fmt.Errorf("tool %s: parameter schema root must be an object, got %q", name, t)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool %s: marshal schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "inline://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

// validateArgs checks args against the compiled schema.
func validateArgs(schema *jsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	// The validator wants plain interface{} values as produced by
	// encoding/json; normalize through a marshal round trip so typed
	// values (int, custom maps) validate correctly.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

// repairArgs applies one best-effort repair pass over invalid arguments:
// unknown keys are dropped, string-encoded primitives are coerced to the
// declared type, and schema defaults fill missing optional fields. The
// repaired copy is re-validated by the caller; repair itself never fails.
func repairArgs(params map[string]interface{}, args map[string]interface{}) map[string]interface{} {
	props, _ := params["properties"].(map[string]interface{})
	if props == nil {
		return args
	}
	repaired := make(map[string]interface{}, len(args))
	for key, val := range args {
		propSpec, known := props[key]
		if !known {
			continue // drop unknown key
		}
		spec, _ := propSpec.(map[string]interface{})
		repaired[key] = coerceValue(spec, val)
	}
	// Fill declared defaults for absent fields.
	for key, propSpec := range props {
		if _, present := repaired[key]; present {
			continue
		}
		if spec, ok := propSpec.(map[string]interface{}); ok {
			if def, ok := spec["default"]; ok {
				repaired[key] = def
			}
		}
	}
	return repaired
}

// coerceValue converts a string-encoded primitive to the declared schema
// type. Values already of the right shape pass through.
func coerceValue(spec map[string]interface{}, val interface{}) interface{} {
	if spec == nil {
		return val
	}
	declared, _ := spec["type"].(string)
	s, isString := val.(string)
	if !isString {
		return val
	}
	switch declared {
	case "integer":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "number":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "array", "object":
		var doc interface{}
		if err := json.Unmarshal([]byte(s), &doc); err == nil {
			return doc
		}
	}
	return val
}
