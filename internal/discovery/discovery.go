// Package discovery locates backend services for the registry. It
// probes multicast DNS, queries unicast DNS-SD, reads the Consul
// health catalog and an etcd registry, and serves static config
// records, caching results per (method, service type) with a TTL
// derived from the records themselves.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
	"github.com/sark-io/sark/internal/registry"
)

// defaultRecordTTL covers backends whose records carry no TTL of their
// own (consul, etcd, manual).
const defaultRecordTTL = 30 * time.Second

const sourceDiscovery = "discovery"

// Method names a discovery mechanism.
type Method string

const (
	MethodMDNS   Method = "mdns"
	MethodDNSSD  Method = "dns-sd"
	MethodConsul Method = "consul"
	MethodEtcd   Method = "etcd"
	MethodManual Method = "manual"
)

// Record is one discovered service instance. TXT entries carry the
// registration conventions: protocol, id, path, tls, sensitivity.
type Record struct {
	ServiceName  string            `json:"service_name"`
	InstanceName string            `json:"instance_name"`
	Hostname     string            `json:"hostname"`
	Port         int               `json:"port"`
	TXT          map[string]string `json:"txt,omitempty"`
	TTL          time.Duration     `json:"ttl"`
	DiscoveredAt time.Time         `json:"discovered_at"`
}

// Backend is one discovery mechanism.
type Backend interface {
	Method() Method
	Discover(ctx context.Context, serviceType string) ([]*Record, error)
	Close() error
}

// announcer is implemented by backends that can also register this
// node's own services (etcd).
type announcer interface {
	Announce(ctx context.Context, rec *Record) error
}

type cacheEntry struct {
	records []*Record
	expires time.Time
}

// Discoverer fans discovery out to the configured backends and owns
// the result cache.
type Discoverer struct {
	cfg      config.DiscoveryConfig
	registry *registry.Registry
	order    []Method
	backends map[Method]Backend
	nowFn    func() time.Time
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// New builds a discoverer with the backends named in cfg.Methods.
// registry may be nil when discovery results are only listed, never
// adopted.
func New(cfg config.DiscoveryConfig, reg *registry.Registry) (*Discoverer, error) {
	var backends []Backend
	seen := make(map[Method]bool)
	for _, name := range cfg.Methods {
		m := Method(name)
		if seen[m] {
			continue
		}
		seen[m] = true
		var (
			b   Backend
			err error
		)
		switch m {
		case MethodMDNS:
			b = newMDNS(cfg.MDNS)
		case MethodDNSSD:
			b, err = newDNSSD(cfg.DNSSD)
		case MethodConsul:
			b, err = newConsul(cfg.Consul)
		case MethodEtcd:
			b, err = newEtcd(cfg.Etcd)
		case MethodManual:
			b = newManual(cfg.Manual)
		default:
			return nil, fmt.Errorf("discovery: unknown method %q", name)
		}
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return newDiscoverer(cfg, reg, backends), nil
}

func newDiscoverer(cfg config.DiscoveryConfig, reg *registry.Registry, backends []Backend) *Discoverer {
	d := &Discoverer{
		cfg:      cfg,
		registry: reg,
		backends: make(map[Method]Backend, len(backends)),
		nowFn:    time.Now,
		logger:   logging.With(zap.String("component", "discovery")),
		cache:    make(map[string]*cacheEntry),
	}
	for _, b := range backends {
		d.order = append(d.order, b.Method())
		d.backends[b.Method()] = b
	}
	return d
}

// Methods returns the configured methods in config order.
func (d *Discoverer) Methods() []Method {
	out := make([]Method, len(d.order))
	copy(out, d.order)
	return out
}

// ServiceType returns the configured browse name.
func (d *Discoverer) ServiceType() string { return d.cfg.ServiceType }

// Discover runs one method, serving cached results while they are
// fresh. When the backend fails and an earlier snapshot exists, the
// snapshot is served instead of the error.
func (d *Discoverer) Discover(ctx context.Context, method Method, serviceType string) ([]*Record, error) {
	b, ok := d.backends[method]
	if !ok {
		return nil, fmt.Errorf("discovery: method %q not configured", method)
	}
	key := string(method) + "|" + serviceType

	d.mu.RLock()
	entry, cached := d.cache[key]
	d.mu.RUnlock()
	if cached && d.nowFn().Before(entry.expires) {
		return entry.records, nil
	}

	records, err := b.Discover(ctx, serviceType)
	if err != nil {
		if cached {
			d.logger.Warn("discovery failed, serving last snapshot",
				zap.String("method", string(method)),
				zap.String("service", serviceType),
				zap.Error(err))
			return entry.records, nil
		}
		return nil, err
	}
	if len(records) > 0 {
		d.mu.Lock()
		d.cache[key] = &cacheEntry{records: records, expires: d.nowFn().Add(minTTL(records))}
		d.mu.Unlock()
	}
	return records, nil
}

// DiscoverAll runs every configured method for the configured service
// type. Failing methods are logged and skipped.
func (d *Discoverer) DiscoverAll(ctx context.Context) map[Method][]*Record {
	out := make(map[Method][]*Record, len(d.order))
	for _, m := range d.order {
		records, err := d.Discover(ctx, m, d.cfg.ServiceType)
		if err != nil {
			d.logger.Warn("discovery method failed",
				zap.String("method", string(m)), zap.Error(err))
			continue
		}
		out[m] = records
	}
	return out
}

// Sweep discovers across every configured method and adopts the
// results into the registry. Within one sweep the first method to
// yield an id wins; rows owned by config or admins are never replaced.
// The error is non-nil only when every method failed.
func (d *Discoverer) Sweep(ctx context.Context) (int, error) {
	if d.registry == nil {
		return 0, errors.New("discovery: no registry to adopt into")
	}
	var (
		applied  int
		failed   int
		firstErr error
	)
	seen := make(map[string]bool)
	for _, m := range d.order {
		records, err := d.Discover(ctx, m, d.cfg.ServiceType)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			d.logger.Warn("sweep: method failed",
				zap.String("method", string(m)), zap.Error(err))
			continue
		}
		for _, rec := range records {
			res, ok := resourceFromRecord(rec, m)
			if !ok || seen[res.ID] {
				continue
			}
			seen[res.ID] = true
			if existing, found := d.registry.Resource(res.ID); found {
				if existing.Source != sourceDiscovery {
					continue
				}
				if err := d.registry.UpdateResource(res); err == nil {
					applied++
				}
				continue
			}
			if err := d.registry.AddResource(res); err != nil {
				d.logger.Warn("sweep: adopt failed",
					zap.String("resource", res.ID), zap.Error(err))
				continue
			}
			applied++
			d.logger.Info("discovered resource",
				zap.String("resource", res.ID),
				zap.String("method", string(m)),
				zap.String("endpoint", res.Endpoint))
		}
	}
	if failed > 0 && failed == len(d.order) {
		return applied, firstErr
	}
	return applied, nil
}

// Announce registers this node's own service instance with every
// backend that supports registration. Nodes without such a backend
// announce nowhere.
func (d *Discoverer) Announce(ctx context.Context, rec *Record) error {
	var firstErr error
	for _, m := range d.order {
		a, ok := d.backends[m].(announcer)
		if !ok {
			continue
		}
		if err := a.Announce(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushCache clears cached results; the next Discover hits backends.
func (d *Discoverer) FlushCache() {
	d.mu.Lock()
	d.cache = make(map[string]*cacheEntry)
	d.mu.Unlock()
}

// Close closes every backend, keeping the first error.
func (d *Discoverer) Close() error {
	var firstErr error
	for _, b := range d.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func minTTL(records []*Record) time.Duration {
	min := records[0].TTL
	for _, r := range records[1:] {
		if r.TTL < min {
			min = r.TTL
		}
	}
	if min <= 0 {
		return defaultRecordTTL
	}
	return min
}

// resourceFromRecord maps a discovered instance onto a registry row.
// TXT conventions: protocol (http|grpc|mcp), id, path, tls,
// sensitivity. Stdio resources cannot be announced over a network.
func resourceFromRecord(rec *Record, method Method) (*registry.Resource, bool) {
	if rec.Hostname == "" || rec.Port <= 0 {
		return nil, false
	}
	proto := config.Protocol(rec.TXT["protocol"])
	if proto == "" {
		proto = config.ProtocolHTTP
	}
	if !proto.Valid() || proto == config.ProtocolMCPStdio {
		return nil, false
	}
	id := rec.TXT["id"]
	if id == "" {
		id = slug(rec.InstanceName)
	}
	if id == "" {
		return nil, false
	}
	name := rec.InstanceName
	if name == "" {
		name = id
	}
	sens := config.Sensitivity(rec.TXT["sensitivity"])
	if !sens.Valid() {
		sens = config.SensitivityMedium
	}

	meta := make(map[string]string, len(rec.TXT)+1)
	for k, v := range rec.TXT {
		meta[k] = v
	}
	meta["discovery_method"] = string(method)

	return &registry.Resource{
		ID:          id,
		Name:        name,
		Protocol:    proto,
		Endpoint:    endpointFor(proto, rec),
		Sensitivity: sens,
		Metadata:    meta,
		Source:      sourceDiscovery,
	}, true
}

func endpointFor(proto config.Protocol, rec *Record) string {
	hostport := net.JoinHostPort(rec.Hostname, strconv.Itoa(rec.Port))
	if proto == config.ProtocolGRPC {
		return hostport
	}
	scheme := "http"
	if rec.TXT["tls"] == "true" {
		scheme = "https"
	}
	return scheme + "://" + hostport + rec.TXT["path"]
}

func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}

// plainServiceName maps a DNS-SD browse type onto a flat catalog name:
// "_sark._tcp.local." becomes "sark". Plain names pass through.
func plainServiceName(serviceType string) string {
	name := strings.TrimSuffix(serviceType, ".")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimPrefix(name, "_")
}
