package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

const (
	mdnsAddress        = "224.0.0.251:5353"
	defaultMDNSTimeout = 3 * time.Second
	maxDNSPacket       = 65536
)

// mdnsBackend probes the local link: it joins the mDNS multicast
// group, sends one PTR question for the browse name, and collects
// whatever answers arrive inside the timeout window.
type mdnsBackend struct {
	iface   string
	timeout time.Duration
	logger  *zap.Logger
}

func newMDNS(cfg config.MDNSConfig) *mdnsBackend {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultMDNSTimeout
	}
	return &mdnsBackend{
		iface:   cfg.Interface,
		timeout: timeout,
		logger:  logging.With(zap.String("component", "discovery"), zap.String("method", "mdns")),
	}
}

func (b *mdnsBackend) Method() Method { return MethodMDNS }

func (b *mdnsBackend) Discover(ctx context.Context, serviceType string) ([]*Record, error) {
	group, err := net.ResolveUDPAddr("udp4", mdnsAddress)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolve group: %w", err)
	}
	var iface *net.Interface
	if b.iface != "" {
		iface, err = net.InterfaceByName(b.iface)
		if err != nil {
			return nil, fmt.Errorf("mdns: interface %s: %w", b.iface, err)
		}
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, fmt.Errorf("mdns: join %s: %w", mdnsAddress, err)
	}
	defer conn.Close()

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(serviceType), dns.TypePTR)
	query.RecursionDesired = false
	query.Id = 0 // multicast queries carry id 0
	packed, err := query.Pack()
	if err != nil {
		return nil, fmt.Errorf("mdns: pack query: %w", err)
	}
	if _, err := conn.WriteToUDP(packed, group); err != nil {
		return nil, fmt.Errorf("mdns: send query: %w", err)
	}

	deadline := time.Now().Add(b.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	asm := newAssembly(serviceType, serviceType)
	buf := make([]byte, maxDNSPacket)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break // the deadline closes the collect window
		}
		var msg dns.Msg
		if err := msg.Unpack(buf[:n]); err != nil {
			b.logger.Debug("dropping unparseable packet", zap.Error(err))
			continue
		}
		if !msg.Response {
			continue // our own query echoed back, or someone else's
		}
		asm.absorb(&msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return asm.records(time.Now()), nil
}

func (b *mdnsBackend) Close() error { return nil }
