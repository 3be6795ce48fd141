package federation

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// strongCipherSuites is the TLS 1.2 allow list. TLS 1.3 suites are not
// configurable and are always acceptable.
var strongCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// ServerTLSConfig builds the federation listener's TLS config. Client
// certificates are verified in verifyPeer against the live trust set,
// so a freshly established peer connects without a listener restart.
func (s *TrustStore) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return nil, fmt.Errorf("federation: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS12,
		CipherSuites:          strongCipherSuites,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: s.verifyPeer,
	}, nil
}

// ClientTLSConfig builds the TLS config for dialing peers. Chain and
// hostname verification run in verifyServer against the live trust
// set; the handshake's built-in verification is replaced, not skipped.
func (s *TrustStore) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return nil, fmt.Errorf("federation: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       strongCipherSuites,
		InsecureSkipVerify: true,
		VerifyConnection:   s.verifyServer,
	}, nil
}

// verifyPeer admits connections whose leaf certificate matches an
// enabled node's pin, or chains to the CA anchor so first-contact
// establishment can reach the trust endpoint.
func (s *TrustStore) verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("federation: client certificate required")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("federation: parse client certificate: %w", err)
	}
	now := s.nowFn()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return errors.New("federation: client certificate outside validity window")
	}

	fp := Fingerprint(leaf)
	s.mu.RLock()
	for _, n := range s.nodes {
		if n.Enabled && n.Fingerprint == fp {
			s.mu.RUnlock()
			return nil
		}
	}
	s.mu.RUnlock()

	if s.anchors == nil {
		return errors.New("federation: unknown federation peer")
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if ic, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(ic)
		}
	}
	opts := x509.VerifyOptions{
		Roots:         s.anchors,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("federation: client certificate verification failed: %w", err)
	}
	return nil
}

// verifyServer checks a dialed peer's chain against the CA anchor and
// every pinned node certificate, with the hostname check on.
func (s *TrustStore) verifyServer(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("federation: server certificate required")
	}
	leaf := cs.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, ic := range cs.PeerCertificates[1:] {
		intermediates.AddCert(ic)
	}
	opts := x509.VerifyOptions{
		Roots:         s.peerRoots(),
		Intermediates: intermediates,
		DNSName:       cs.ServerName,
		CurrentTime:   s.nowFn(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("federation: server certificate verification failed: %w", err)
	}
	return nil
}

// peerRoots pools the CA anchor with every pinned node certificate so
// peers serving self-signed pairs still verify.
func (s *TrustStore) peerRoots() *x509.CertPool {
	var pool *x509.CertPool
	if s.anchors != nil {
		pool = s.anchors.Clone()
	} else {
		pool = x509.NewCertPool()
	}
	s.mu.RLock()
	for _, n := range s.nodes {
		if n.cert != nil {
			pool.AddCert(n.cert)
		}
	}
	s.mu.RUnlock()
	return pool
}
