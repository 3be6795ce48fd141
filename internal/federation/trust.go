// Package federation implements cross-node trust and routing: peer
// gateways establish mutual trust over exchanged certificates, then
// route and invoke resources on each other's registries over mTLS.
package federation

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

// TrustState classifies a node's standing when trust is verified.
type TrustState string

const (
	TrustStateTrusted TrustState = "trusted"
	TrustStateRevoked TrustState = "revoked"
	TrustStateInvalid TrustState = "invalid"
	TrustStateUnknown TrustState = "unknown"
)

// Challenges are single-use and expire quickly; a peer that cannot
// complete establishment within the window starts over.
const challengeTTL = 5 * time.Minute

// Node is one trust-peered gateway instance. The pinned certificate is
// immutable after establishment except through an explicit re-establish.
type Node struct {
	NodeID           string            `json:"node_id"`
	Name             string            `json:"name,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Enabled          bool              `json:"enabled"`
	RateLimitPerHour int               `json:"rate_limit_per_hour,omitempty"`
	TrustedSince     time.Time         `json:"trusted_since"`
	Fingerprint      string            `json:"fingerprint"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	cert *x509.Certificate
}

// Certificate returns the pinned peer certificate, or nil if the node
// was registered without one.
func (n *Node) Certificate() *x509.Certificate { return n.cert }

// CertInfo summarizes a peer certificate for trust responses and the
// admin API.
type CertInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	Fingerprint  string    `json:"fingerprint"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	DNSNames     []string  `json:"dns_names,omitempty"`
}

// EstablishRequest is the trust establishment payload a peer submits.
type EstablishRequest struct {
	NodeID        string            `json:"node_id"`
	Name          string            `json:"name,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	ClientCertPEM string            `json:"client_cert"`
	Challenge     string            `json:"challenge,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// EstablishResponse reports the outcome of trust establishment.
type EstablishResponse struct {
	Success           bool       `json:"success"`
	TrustLevel        TrustState `json:"trust_level"`
	CertificateInfo   *CertInfo  `json:"certificate_info"`
	ChallengeResponse string     `json:"challenge_response,omitempty"`
}

// TrustVerification is the result of re-checking a node's trust.
type TrustVerification struct {
	NodeID string     `json:"node_id"`
	State  TrustState `json:"state"`
	Reason string     `json:"reason,omitempty"`
}

type challenge struct {
	nodeID string
	issued time.Time
}

// TrustStore holds the set of trusted federation peers and issues the
// one-shot challenges used during establishment. When a CA anchor is
// configured, peer certificates must chain to it; without one, trust
// pins the exact presented certificate.
type TrustStore struct {
	certFile    string
	keyFile     string
	defaultRate int
	anchors     *x509.CertPool
	nowFn       func() time.Time
	logger      *zap.Logger

	mu         sync.RWMutex
	nodes      map[string]*Node
	challenges map[string]challenge
}

// NewTrustStore builds the trust store from federation config, loading
// the CA anchor and any statically provisioned nodes.
func NewTrustStore(cfg config.FederationConfig) (*TrustStore, error) {
	s := &TrustStore{
		certFile:    cfg.CertFile,
		keyFile:     cfg.KeyFile,
		defaultRate: cfg.RateLimitPerHour,
		nowFn:       time.Now,
		logger:      logging.With(zap.String("component", "federation")),
		nodes:       make(map[string]*Node),
		challenges:  make(map[string]challenge),
	}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("federation: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("federation: no certificates in %s", cfg.CAFile)
		}
		s.anchors = pool
	}
	for _, nc := range cfg.Nodes {
		if err := s.provision(nc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// provision registers a statically configured peer. Config peers skip
// the challenge handshake; their anchor file is the operator's word.
func (s *TrustStore) provision(nc config.FederationNodeConfig) error {
	if nc.NodeID == "" {
		return errors.New("federation: configured node missing node_id")
	}
	if nc.Endpoint != "" && !strings.HasPrefix(nc.Endpoint, "https://") {
		return fmt.Errorf("federation: node %s endpoint %q is not https", nc.NodeID, nc.Endpoint)
	}
	node := &Node{
		NodeID:           nc.NodeID,
		Name:             nc.Name,
		Endpoint:         nc.Endpoint,
		Enabled:          nc.Enabled == nil || *nc.Enabled,
		RateLimitPerHour: s.defaultRate,
		TrustedSince:     s.nowFn(),
	}
	if nc.TrustAnchorFile != "" {
		pemBytes, err := os.ReadFile(nc.TrustAnchorFile)
		if err != nil {
			return fmt.Errorf("federation: node %s trust anchor: %w", nc.NodeID, err)
		}
		cert, err := ParseCertificatePEM(pemBytes)
		if err != nil {
			return fmt.Errorf("federation: node %s trust anchor: %w", nc.NodeID, err)
		}
		node.cert = cert
		node.Fingerprint = Fingerprint(cert)
	}
	s.mu.Lock()
	s.nodes[nc.NodeID] = node
	s.mu.Unlock()
	return nil
}

// EstablishTrust validates a peer's certificate and pins it. A node
// whose trust was revoked must be re-enabled by an operator before it
// can establish again.
func (s *TrustStore) EstablishTrust(req *EstablishRequest) (*EstablishResponse, error) {
	if req.NodeID == "" {
		return nil, errors.New("federation: node_id is required")
	}
	cert, err := ParseCertificatePEM([]byte(req.ClientCertPEM))
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	if now.Before(cert.NotBefore) {
		return nil, fmt.Errorf("federation: certificate not valid until %s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return nil, fmt.Errorf("federation: certificate expired at %s", cert.NotAfter.Format(time.RFC3339))
	}
	if s.anchors != nil {
		opts := x509.VerifyOptions{
			Roots:       s.anchors,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := cert.Verify(opts); err != nil {
			return nil, fmt.Errorf("federation: certificate does not chain to trust anchor: %w", err)
		}
	}
	if !hasTLSAuthUsage(cert) {
		return nil, errors.New("federation: certificate lacks TLS client or server auth usage")
	}
	if req.Endpoint != "" && !strings.HasPrefix(req.Endpoint, "https://") {
		return nil, fmt.Errorf("federation: endpoint %q is not https", req.Endpoint)
	}

	var challengeResponse string
	if req.Challenge != "" {
		if err := s.consumeChallenge(req.NodeID, req.Challenge); err != nil {
			return nil, err
		}
		sum := sha256.Sum256([]byte(req.Challenge))
		challengeResponse = hex.EncodeToString(sum[:])
	}

	s.mu.Lock()
	node, ok := s.nodes[req.NodeID]
	if ok && !node.Enabled {
		s.mu.Unlock()
		return nil, fmt.Errorf("federation: trust for node %s is revoked", req.NodeID)
	}
	if !ok {
		node = &Node{
			NodeID:           req.NodeID,
			RateLimitPerHour: s.defaultRate,
			TrustedSince:     now,
		}
		s.nodes[req.NodeID] = node
	}
	if req.Name != "" {
		node.Name = req.Name
	}
	if req.Endpoint != "" {
		node.Endpoint = req.Endpoint
	}
	if len(req.Metadata) > 0 {
		node.Metadata = req.Metadata
	}
	node.Enabled = true
	node.cert = cert
	node.Fingerprint = Fingerprint(cert)
	s.mu.Unlock()

	s.logger.Info("trust established",
		zap.String("node_id", req.NodeID),
		zap.String("fingerprint", node.Fingerprint),
		zap.Time("not_after", cert.NotAfter))

	return &EstablishResponse{
		Success:           true,
		TrustLevel:        TrustStateTrusted,
		CertificateInfo:   certInfo(cert),
		ChallengeResponse: challengeResponse,
	}, nil
}

// VerifyTrust re-checks a node against a presented fingerprint and the
// pinned certificate's validity window.
func (s *TrustStore) VerifyTrust(nodeID, fingerprint string) TrustVerification {
	v := TrustVerification{NodeID: nodeID}
	s.mu.RLock()
	node, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		v.State = TrustStateUnknown
		v.Reason = "node is not trusted"
		return v
	}
	if !node.Enabled {
		v.State = TrustStateRevoked
		v.Reason = "trust has been revoked"
		return v
	}
	if node.cert == nil {
		v.State = TrustStateInvalid
		v.Reason = "no certificate pinned"
		return v
	}
	if !strings.EqualFold(fingerprint, node.Fingerprint) {
		v.State = TrustStateInvalid
		v.Reason = "fingerprint mismatch"
		return v
	}
	now := s.nowFn()
	if now.Before(node.cert.NotBefore) {
		v.State = TrustStateInvalid
		v.Reason = "certificate not yet valid"
		return v
	}
	if now.After(node.cert.NotAfter) {
		v.State = TrustStateInvalid
		v.Reason = "certificate expired"
		return v
	}
	v.State = TrustStateTrusted
	return v
}

// RevokeTrust disables a node. Its certificate stays pinned so revoked
// peers are reported as revoked rather than unknown.
func (s *TrustStore) RevokeTrust(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("federation: unknown node %s", nodeID)
	}
	node.Enabled = false
	s.logger.Warn("trust revoked", zap.String("node_id", nodeID))
	return nil
}

// SetEnabled re-enables or disables a node without touching its pin.
func (s *TrustStore) SetEnabled(nodeID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("federation: unknown node %s", nodeID)
	}
	node.Enabled = enabled
	return nil
}

// GenerateChallenge issues a single-use establishment challenge bound
// to the given node id. Expired challenges are swept on each issue.
func (s *TrustStore) GenerateChallenge(nodeID string) (string, error) {
	if nodeID == "" {
		return "", errors.New("federation: node_id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("federation: generate challenge: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	now := s.nowFn()
	s.mu.Lock()
	for t, c := range s.challenges {
		if now.Sub(c.issued) > challengeTTL {
			delete(s.challenges, t)
		}
	}
	s.challenges[token] = challenge{nodeID: nodeID, issued: now}
	s.mu.Unlock()
	return token, nil
}

// consumeChallenge burns a challenge whether or not it validates.
func (s *TrustStore) consumeChallenge(nodeID, token string) error {
	s.mu.Lock()
	c, ok := s.challenges[token]
	delete(s.challenges, token)
	s.mu.Unlock()
	if !ok {
		return errors.New("federation: unknown or already used challenge")
	}
	if s.nowFn().Sub(c.issued) > challengeTTL {
		return errors.New("federation: challenge expired")
	}
	if c.nodeID != nodeID {
		return fmt.Errorf("federation: challenge was not issued to node %s", nodeID)
	}
	return nil
}

// Node returns a copy-safe pointer to the named node.
func (s *TrustStore) Node(nodeID string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	return node, ok
}

// NodeByFingerprint resolves the node pinned to a client certificate.
// The federation listener uses it to identify which peer is calling.
func (s *TrustStore) NodeByFingerprint(fp string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Fingerprint == fp {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns all known nodes, enabled or not.
func (s *TrustStore) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// EnabledNodes returns the nodes eligible for routing and invocation.
func (s *TrustStore) EnabledNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

// Fingerprint returns the lowercase hex SHA-256 digest of the raw
// certificate, the identity used for pinning and verification.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ParseCertificatePEM decodes a single PEM certificate block.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("federation: no certificate block in PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("federation: parse certificate: %w", err)
	}
	return cert, nil
}

func hasTLSAuthUsage(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		switch u {
		case x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageAny:
			return true
		}
	}
	return false
}

func certInfo(cert *x509.Certificate) *CertInfo {
	return &CertInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		Fingerprint:  Fingerprint(cert),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
	}
}
