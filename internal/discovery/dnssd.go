package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

// querier abstracts the DNS exchange for testability.
type querier interface {
	exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

type dnsExchanger struct {
	client *dns.Client
	server string
}

func (e *dnsExchanger) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := e.client.ExchangeContext(ctx, msg, e.server)
	return resp, err
}

// dnssdBackend browses DNS-SD over unicast DNS: one PTR query for the
// browse name, then SRV/TXT chases for instances the responder left
// out of the additional section.
type dnssdBackend struct {
	domain  string
	querier querier
	logger  *zap.Logger
}

func newDNSSD(cfg config.DNSSDConfig) (*dnssdBackend, error) {
	server := cfg.Server
	if server == "" {
		rc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dns-sd: read resolv.conf: %w", err)
		}
		if len(rc.Servers) == 0 {
			return nil, errors.New("dns-sd: no nameserver configured and resolv.conf names none")
		}
		server = net.JoinHostPort(rc.Servers[0], rc.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &dnssdBackend{
		domain:  cfg.Domain,
		querier: &dnsExchanger{client: &dns.Client{Timeout: 5 * time.Second}, server: server},
		logger:  logging.With(zap.String("component", "discovery"), zap.String("method", "dns-sd")),
	}, nil
}

func (b *dnssdBackend) Method() Method { return MethodDNSSD }

func (b *dnssdBackend) Discover(ctx context.Context, serviceType string) ([]*Record, error) {
	browse := b.browseName(serviceType)
	q := new(dns.Msg)
	q.SetQuestion(browse, dns.TypePTR)
	resp, err := b.querier.exchange(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("dns-sd: browse %s: %w", browse, err)
	}

	asm := newAssembly(serviceType, browse)
	asm.absorb(resp)

	for _, inst := range asm.missingSRV() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(inst), dns.TypeSRV)
		r, err := b.querier.exchange(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("dns-sd: srv %s: %w", inst, err)
		}
		asm.absorb(r)
	}
	// TXT is optional metadata; a failed chase costs only the entries.
	for _, inst := range asm.missingTXT() {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(inst), dns.TypeTXT)
		r, err := b.querier.exchange(ctx, m)
		if err != nil {
			b.logger.Debug("txt chase failed", zap.String("instance", inst), zap.Error(err))
			continue
		}
		asm.absorb(r)
	}
	return asm.records(time.Now()), nil
}

// browseName joins the service type with the configured search domain
// unless the type already names one.
func (b *dnssdBackend) browseName(serviceType string) string {
	name := strings.TrimSuffix(serviceType, ".")
	domain := strings.TrimSuffix(b.domain, ".")
	if domain != "" && !strings.HasSuffix(strings.ToLower(name), strings.ToLower(domain)) {
		name += "." + domain
	}
	return dns.Fqdn(name)
}

func (b *dnssdBackend) Close() error { return nil }
