package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sark-io/sark/internal/keyed"
	"github.com/sark-io/sark/internal/registry"
)

// schemaCache compiles and caches capability input schemas. The source
// pointer detects re-discovered capabilities so stale compilations are
// replaced.
type schemaCache struct {
	compiled *keyed.Manager[*compiledSchema]
}

type compiledSchema struct {
	source *registry.Capability
	schema *jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: keyed.New[*compiledSchema]()}
}

// validate checks arguments against the capability's input schema.
// Capabilities without a schema accept anything.
func (sc *schemaCache) validate(c *registry.Capability, args map[string]any) error {
	if len(c.InputSchema) == 0 {
		return nil
	}

	cs, ok := sc.compiled.Get(c.ID)
	if !ok || cs.source != c {
		schema, err := compileSchema(c.InputSchema)
		if err != nil {
			return fmt.Errorf("capability %s schema: %w", c.ID, err)
		}
		cs = &compiledSchema{source: c, schema: schema}
		sc.compiled.Add(c.ID, cs)
	}

	// Round-trip so native ints compare as JSON numbers.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	if err := cs.schema.Validate(inst); err != nil {
		return fmt.Errorf("arguments rejected: %s", strings.Join(strings.Fields(err.Error()), " "))
	}
	return nil
}

// drop removes compiled schemas for a resource's capabilities.
func (sc *schemaCache) drop(resourceID string) {
	prefix := resourceID + "."
	for _, id := range sc.compiled.Names() {
		if strings.HasPrefix(id, prefix) {
			sc.compiled.Delete(id)
		}
	}
}

func compileSchema(m map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
}
