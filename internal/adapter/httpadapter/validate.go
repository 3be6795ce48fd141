package httpadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/registry"
)

// compiledSchema pairs a compiled input schema with the capability it
// was built from. The source pointer detects re-discovered capabilities
// so stale compilations are replaced.
type compiledSchema struct {
	source *registry.Capability
	schema *jsonschema.Schema
}

// Validate checks that the capability carries routable metadata, that
// every path parameter has an argument, and that the arguments satisfy
// the capability's input schema.
func (a *Adapter) Validate(req *adapter.InvocationRequest) error {
	c := req.Capability
	if c.Metadata[metaMethod] == "" {
		return fmt.Errorf("capability %s missing %s metadata", c.ID, metaMethod)
	}
	path := c.Metadata[metaPath]
	if path == "" {
		return fmt.Errorf("capability %s missing %s metadata", c.ID, metaPath)
	}

	for _, m := range pathParamRegex.FindAllStringSubmatch(path, -1) {
		if _, ok := req.Arguments[m[1]]; !ok {
			return fmt.Errorf("missing path parameter %q", m[1])
		}
	}

	if len(c.InputSchema) == 0 {
		return nil
	}

	cs, err := a.compiled(c)
	if err != nil {
		return fmt.Errorf("capability %s schema: %w", c.ID, err)
	}

	// Arguments round-trip through JSON so integer literals compare
	// the way the schema library expects.
	raw, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}
	var inst any
	if err := json.Unmarshal(raw, &inst); err != nil {
		return fmt.Errorf("decoding arguments: %w", err)
	}
	if err := cs.schema.Validate(inst); err != nil {
		return fmt.Errorf("arguments rejected: %s", compactValidationError(err))
	}
	return nil
}

// compiled returns the cached schema for a capability, recompiling
// when the registry has replaced the capability object.
func (a *Adapter) compiled(c *registry.Capability) (*compiledSchema, error) {
	if cs, ok := a.schemas.Get(c.ID); ok && cs.source == c {
		return cs, nil
	}

	schema, err := compileInputSchema(c.InputSchema)
	if err != nil {
		return nil, err
	}
	cs := &compiledSchema{source: c, schema: schema}
	a.schemas.Add(c.ID, cs)
	return cs, nil
}

// compileInputSchema compiles a schema map. The map round-trips
// through JSON first because config-sourced schemas may hold native
// ints where the compiler expects JSON numbers.
func compileInputSchema(m map[string]any) (*jsonschema.Schema, error) {
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

// compactValidationError flattens the library's multi-line error into
// a single line suitable for API responses.
func compactValidationError(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
