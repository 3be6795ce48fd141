package identity

// PrincipalKind classifies who is invoking: a human, an autonomous agent,
// or a headless service.
type PrincipalKind string

const (
	KindUser    PrincipalKind = "user"
	KindAgent   PrincipalKind = "agent"
	KindService PrincipalKind = "service"
)

// TrustLevel is the lifecycle state of a principal's standing.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustPending   TrustLevel = "pending"
	TrustTrusted   TrustLevel = "trusted"
	TrustRevoked   TrustLevel = "revoked"
)

// Principal is the authenticated identity attached to every invocation.
// It is immutable once resolved; policy decisions key off its fields.
type Principal struct {
	ID         string        `json:"id"`
	Kind       PrincipalKind `json:"kind"`
	Email      string        `json:"email,omitempty"`
	Role       string        `json:"role"`
	Teams      []string      `json:"teams,omitempty"`
	TrustLevel TrustLevel    `json:"trust_level"`
}

// PolicyInput renders the principal as the map shape policy rules expect.
func (p *Principal) PolicyInput() map[string]interface{} {
	if p == nil {
		return nil
	}
	m := map[string]interface{}{
		"id":          p.ID,
		"kind":        string(p.Kind),
		"role":        p.Role,
		"trust_level": string(p.TrustLevel),
	}
	if p.Email != "" {
		m["email"] = p.Email
	}
	if len(p.Teams) > 0 {
		m["teams"] = p.Teams
	}
	return m
}
