package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/sark-io/sark/internal/registry"
)

// wellKnownSpecPaths are probed when a resource has no explicit
// OpenAPI document configured.
var wellKnownSpecPaths = []string{"/openapi.json", "/swagger.json"}

// Discover probes an HTTP endpoint. One endpoint maps to one
// resource; when an OpenAPI document is found the resource name and
// description are filled from its info block.
func (a *Adapter) Discover(ctx context.Context, seed *registry.Resource) ([]*registry.Resource, error) {
	source := seed.OpenAPIURL
	if source == "" {
		for _, p := range wellKnownSpecPaths {
			candidate := strings.TrimRight(seed.Endpoint, "/") + p
			if _, err := loadDocument(ctx, candidate); err == nil {
				source = candidate
				break
			}
		}
		if source == "" {
			// Plain HTTP backend without introspection. Capabilities
			// must come from configuration.
			return []*registry.Resource{seed}, nil
		}
		seed.OpenAPIURL = source
	}

	doc, err := loadDocument(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", seed.ID, err)
	}
	if doc.Info != nil {
		if seed.Name == "" {
			seed.Name = doc.Info.Title
		}
		if seed.Description == "" {
			seed.Description = doc.Info.Description
		}
	}
	return []*registry.Resource{seed}, nil
}

// Capabilities derives one capability per OpenAPI operation. Resources
// without a document return no capabilities.
func (a *Adapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	if res.OpenAPIURL == "" {
		return nil, nil
	}
	doc, err := loadDocument(ctx, res.OpenAPIURL)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", res.ID, err)
	}
	if doc.Paths == nil {
		return nil, nil
	}

	var caps []*registry.Capability
	paths := doc.Paths.Map()
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	for _, path := range sorted {
		ops := paths[path].Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := ops[method]
			name := operationName(method, path, op.OperationID)
			desc := op.Summary
			if desc == "" {
				desc = op.Description
			}
			caps = append(caps, &registry.Capability{
				ID:           res.ID + "." + name,
				ResourceID:   res.ID,
				Name:         name,
				Description:  desc,
				InputSchema:  inputSchemaFor(op),
				OutputSchema: responseSchemaFor(op),
				Metadata: map[string]string{
					metaMethod: strings.ToUpper(method),
					metaPath:   path,
				},
			})
		}
	}

	a.logger.Debug("derived capabilities from document",
		zap.String("resource", res.ID), zap.Int("count", len(caps)))
	return caps, nil
}

// loadDocument loads and validates an OpenAPI document from a URL or
// a local file path.
func loadDocument(ctx context.Context, source string) (*openapi3.T, error) {
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}

	var (
		doc *openapi3.T
		err error
	)
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		var u *url.URL
		u, err = url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("invalid document URL: %w", err)
		}
		doc, err = loader.LoadFromURI(u)
	} else {
		doc, err = loader.LoadFromFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	return doc, nil
}

// operationName prefers the declared operationId and falls back to a
// sanitized method-path form.
func operationName(method, path, operationID string) string {
	if operationID != "" {
		return operationID
	}
	sanitized := strings.NewReplacer(
		"/", "-",
		"{", "",
		"}", "",
	).Replace(path)
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "root"
	}
	return strings.ToLower(method) + "-" + sanitized
}

// inputSchemaFor flattens operation parameters and the JSON request
// body into one object schema over the invocation argument names.
func inputSchemaFor(op *openapi3.Operation) map[string]any {
	properties := map[string]any{}
	var required []string

	for _, pref := range op.Parameters {
		p := pref.Value
		if p == nil {
			continue
		}
		var key string
		switch p.In {
		case "query":
			key = queryPrefix + p.Name
		case "header":
			key = headerPrefix + p.Name
		case "path":
			key = p.Name
		default:
			continue
		}
		properties[key] = schemaToMap(p.Schema)
		if p.Required || p.In == "path" {
			required = append(required, key)
		}
	}

	if body := jsonBodySchema(op); body != nil {
		bm := schemaToMap(body)
		if props, ok := bm["properties"].(map[string]any); ok {
			for k, v := range props {
				properties[k] = v
			}
			if req, ok := bm["required"].([]any); ok {
				for _, r := range req {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
			}
		}
	}

	if len(properties) == 0 {
		return nil
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}

func jsonBodySchema(op *openapi3.Operation) *openapi3.SchemaRef {
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil {
		return nil
	}
	return media.Schema
}

// responseSchemaFor extracts the JSON schema of the 200 response.
func responseSchemaFor(op *openapi3.Operation) map[string]any {
	if op.Responses == nil {
		return nil
	}
	ref := op.Responses.Value("200")
	if ref == nil || ref.Value == nil {
		return nil
	}
	media := ref.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil
	}
	return schemaToMap(media.Schema)
}

// schemaToMap converts a document schema into a plain map through its
// JSON form. Parameters without a schema default to string.
func schemaToMap(ref *openapi3.SchemaRef) map[string]any {
	if ref == nil || ref.Value == nil {
		return map[string]any{"type": "string"}
	}
	raw, err := json.Marshal(ref)
	if err != nil {
		return map[string]any{"type": "string"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "string"}
	}
	return m
}
