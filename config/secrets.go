package config

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// SecretProvider resolves secret references of a single scheme,
// such as env or file.
type SecretProvider interface {
	// Scheme returns the reference scheme this provider handles.
	Scheme() string
	// Resolve returns the secret value for the given reference.
	Resolve(ctx context.Context, ref string) (string, error)
}

// secretRefPattern matches a full-string secret reference like
// ${env:SARK_POLICY_TOKEN} or ${file:/run/secrets/hec-token}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// SecretRegistry holds the registered secret providers.
type SecretRegistry struct {
	mu        sync.RWMutex
	providers map[string]SecretProvider
}

// NewSecretRegistry creates an empty registry.
func NewSecretRegistry() *SecretRegistry {
	return &SecretRegistry{providers: make(map[string]SecretProvider)}
}

// Register adds a provider. A later registration for the same scheme
// replaces the earlier one.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Scheme()] = p
}

// Resolve resolves a single reference string. Strings that are not
// secret references are returned unchanged.
func (r *SecretRegistry) Resolve(ctx context.Context, value string) (string, error) {
	m := secretRefPattern.FindStringSubmatch(value)
	if m == nil {
		return value, nil
	}
	scheme, ref := m[1], m[2]

	r.mu.RLock()
	p, ok := r.providers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown secret scheme %q in reference %s", scheme, value)
	}

	resolved, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s secret %q: %w", scheme, ref, err)
	}
	return resolved, nil
}

// resolveSecretRefs walks every string field of cfg and resolves
// full-string secret references in place.
func resolveSecretRefs(ctx context.Context, cfg *Config, reg *SecretRegistry) error {
	return walkStructStrings(reflect.ValueOf(cfg).Elem(), func(s string) (string, error) {
		return reg.Resolve(ctx, s)
	})
}

// walkStructStrings applies fn to every settable string reachable
// from v through structs, pointers, slices and maps.
func walkStructStrings(v reflect.Value, fn func(string) (string, error)) error {
	switch v.Kind() {
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		updated, err := fn(v.String())
		if err != nil {
			return err
		}
		v.SetString(updated)

	case reflect.Ptr:
		if !v.IsNil() {
			return walkStructStrings(v.Elem(), fn)
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			if err := walkStructStrings(v.Field(i), fn); err != nil {
				return err
			}
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walkStructStrings(v.Index(i), fn); err != nil {
				return err
			}
		}

	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.Kind() != reflect.String {
				continue
			}
			updated, err := fn(elem.String())
			if err != nil {
				return err
			}
			v.SetMapIndex(key, reflect.ValueOf(updated))
		}
	}
	return nil
}
