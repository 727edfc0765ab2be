package agent

import (
	"crypto/sha256"
	"encoding/json"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateFunc validates data against a JSON schema (bytes) and returns error on failure.
type ValidateFunc func(schema []byte, data any) error

// JSONSchemaValidator is a ValidateFunc using jsonschema/v6. Schemas are
// compiled once and cached by content hash.
func JSONSchemaValidator(schema []byte, data any) error {
	return defaultSchemas.Validate(schema, data)
}

// CompileJSONSchema compiles the provided JSON schema and returns error only if the schema is invalid.
// It does not validate any instance data.
func CompileJSONSchema(schema []byte) error {
	_, err := defaultSchemas.compile(schema)
	return err
}

var defaultSchemas = &SchemaCache{}

// SchemaCache memoizes compiled schemas.
type SchemaCache struct {
	mu       sync.Mutex
	compiled map[[32]byte]*jsonschema.Schema
}

// Validate checks data against schema. An empty schema accepts anything.
func (c *SchemaCache) Validate(schema []byte, data any) error {
	sch, err := c.compile(schema)
	if err != nil || sch == nil {
		return err
	}
	// normalize Go values to the generic JSON model the validator expects
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

func (c *SchemaCache) compile(schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	key := sha256.Sum256(schema)
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.compiled[key]; ok {
		return sch, nil
	}
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource("mem://schema.json", doc); err != nil {
		return nil, err
	}
	sch, err := comp.Compile("mem://schema.json")
	if err != nil {
		return nil, err
	}
	if c.compiled == nil {
		c.compiled = map[[32]byte]*jsonschema.Schema{}
	}
	c.compiled[key] = sch
	return sch, nil
}
