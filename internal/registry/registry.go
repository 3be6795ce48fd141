package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sark-io/sark/config"
)

var (
	// ErrResourceNotFound is returned when a resource id is unknown.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrResourceExists is returned when registering a duplicate id.
	ErrResourceExists = errors.New("resource already registered")
	// ErrCapabilityNotFound is returned when a capability id is unknown.
	ErrCapabilityNotFound = errors.New("capability not found")
)

// Resource is a governed backend: an HTTP API, a gRPC service, or an
// MCP server reachable over HTTP or stdio.
type Resource struct {
	ID           string                     `json:"id"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	Protocol     config.Protocol            `json:"protocol"`
	Endpoint     string                     `json:"endpoint,omitempty"`
	Sensitivity  config.Sensitivity         `json:"sensitivity"`
	Auth         config.BackendAuthConfig   `json:"-"`
	Metadata     map[string]string          `json:"metadata,omitempty"`
	Stdio        *config.StdioCommandConfig `json:"-"`
	Guards       *config.AdapterGuardConfig `json:"-"`
	OpenAPIURL   string                     `json:"openapi_url,omitempty"`
	Source       string                     `json:"source"` // config | admin | discovery | federation
	RegisteredAt time.Time                  `json:"registered_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Capability is one invokable operation of a resource. Metadata holds
// protocol binding details (http_method/http_path, grpc_service/
// grpc_method, tool name).
type Capability struct {
	ID           string             `json:"id"`
	ResourceID   string             `json:"resource_id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Sensitivity  config.Sensitivity `json:"sensitivity"`
	InputSchema  map[string]any     `json:"input_schema,omitempty"`
	OutputSchema map[string]any     `json:"output_schema,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// Registry is the in-memory resource/capability catalog. All lookups
// return live pointers; callers must treat them as read-only.
type Registry struct {
	mu         sync.RWMutex
	resources  map[string]*Resource
	byName     map[string]string
	caps       map[string]*Capability
	byResource map[string][]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		resources:  make(map[string]*Resource),
		byName:     make(map[string]string),
		caps:       make(map[string]*Capability),
		byResource: make(map[string][]string),
	}
}

// FromConfig seeds the registry from statically declared resources.
func FromConfig(cfgs []config.ResourceConfig) (*Registry, error) {
	r := New()
	now := time.Now()
	for i := range cfgs {
		rc := &cfgs[i]
		res := &Resource{
			ID:           rc.ID,
			Name:         rc.Name,
			Protocol:     rc.Protocol,
			Endpoint:     rc.Endpoint,
			Sensitivity:  rc.Sensitivity,
			Auth:         rc.Auth,
			Metadata:     rc.Metadata,
			Stdio:        rc.Stdio,
			Guards:       rc.Guards,
			OpenAPIURL:   rc.OpenAPIURL,
			Source:       "config",
			RegisteredAt: now,
			UpdatedAt:    now,
		}
		if err := r.AddResource(res); err != nil {
			return nil, fmt.Errorf("resource %s: %w", rc.ID, err)
		}
		for j := range rc.Capabilities {
			cc := &rc.Capabilities[j]
			c := &Capability{
				ID:           cc.ID,
				ResourceID:   rc.ID,
				Name:         cc.Name,
				Description:  cc.Description,
				Sensitivity:  cc.Sensitivity,
				InputSchema:  cc.InputSchema,
				OutputSchema: cc.OutputSchema,
				Metadata:     cc.Metadata,
			}
			if err := r.AddCapability(c); err != nil {
				return nil, fmt.Errorf("capability %s: %w", cc.ID, err)
			}
		}
	}
	return r, nil
}

// AddResource registers a new resource. The id must be unused.
func (r *Registry) AddResource(res *Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.ID]; exists {
		return fmt.Errorf("%w: %s", ErrResourceExists, res.ID)
	}
	if res.RegisteredAt.IsZero() {
		res.RegisteredAt = time.Now()
	}
	if res.UpdatedAt.IsZero() {
		res.UpdatedAt = res.RegisteredAt
	}
	r.resources[res.ID] = res
	if res.Name != "" {
		r.byName[res.Name] = res.ID
	}
	return nil
}

// UpdateResource replaces an existing resource, keeping its
// capabilities and original registration time.
func (r *Registry) UpdateResource(res *Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.resources[res.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, res.ID)
	}
	res.RegisteredAt = prev.RegisteredAt
	res.UpdatedAt = time.Now()
	if prev.Name != res.Name {
		delete(r.byName, prev.Name)
	}
	r.resources[res.ID] = res
	if res.Name != "" {
		r.byName[res.Name] = res.ID
	}
	return nil
}

// RemoveResource deletes a resource and cascades to its capabilities.
func (r *Registry) RemoveResource(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, exists := r.resources[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, id)
	}
	delete(r.resources, id)
	delete(r.byName, res.Name)
	for _, capID := range r.byResource[id] {
		delete(r.caps, capID)
	}
	delete(r.byResource, id)
	return nil
}

// Resource looks up a resource by id.
func (r *Registry) Resource(id string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	return res, ok
}

// ResourceByName looks up a resource by its unique name.
func (r *Registry) ResourceByName(name string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	res, ok := r.resources[id]
	return res, ok
}

// Resources returns all resources ordered by id.
func (r *Registry) Resources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddCapability registers a capability under an existing resource.
func (r *Registry) AddCapability(c *Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[c.ResourceID]; !exists {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, c.ResourceID)
	}
	if _, exists := r.caps[c.ID]; !exists {
		r.byResource[c.ResourceID] = append(r.byResource[c.ResourceID], c.ID)
	}
	r.caps[c.ID] = c
	return nil
}

// RemoveCapability deletes a single capability.
func (r *Registry) RemoveCapability(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.caps[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, id)
	}
	delete(r.caps, id)
	ids := r.byResource[c.ResourceID]
	for i, cid := range ids {
		if cid == id {
			r.byResource[c.ResourceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Capability looks up a capability by id.
func (r *Registry) Capability(id string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// CapabilitiesFor returns the capabilities of one resource in
// registration order.
func (r *Registry) CapabilitiesFor(resourceID string) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byResource[resourceID]
	out := make([]*Capability, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.caps[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// AdoptDiscovered replaces the capability set of a resource with a
// freshly discovered one. Missing capabilities are dropped, known ids
// updated, new ones added.
func (r *Registry) AdoptDiscovered(resourceID string, caps []*Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, exists := r.resources[resourceID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrResourceNotFound, resourceID)
	}

	for _, capID := range r.byResource[resourceID] {
		delete(r.caps, capID)
	}
	ids := make([]string, 0, len(caps))
	for _, c := range caps {
		c.ResourceID = resourceID
		if c.ID == "" {
			c.ID = resourceID + "." + c.Name
		}
		if !c.Sensitivity.Valid() {
			c.Sensitivity = res.Sensitivity
		}
		r.caps[c.ID] = c
		ids = append(ids, c.ID)
	}
	r.byResource[resourceID] = ids
	res.UpdatedAt = time.Now()
	return nil
}

// Stats reports registry sizes for health and metrics.
type Stats struct {
	Resources    int `json:"resources"`
	Capabilities int `json:"capabilities"`
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Resources: len(r.resources), Capabilities: len(r.caps)}
}
