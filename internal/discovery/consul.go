package discovery

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/sark-io/sark/config"
)

// consulBackend reads the Consul health catalog: only instances whose
// checks all pass are returned. Service Meta doubles as TXT.
type consulBackend struct {
	client     *consulapi.Client
	datacenter string
}

func newConsul(cfg config.ConsulConfig) (*consulBackend, error) {
	api := consulapi.DefaultConfig()
	if cfg.Addr != "" {
		api.Address = cfg.Addr
	}
	if cfg.Datacenter != "" {
		api.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		api.Token = cfg.Token
	}
	client, err := consulapi.NewClient(api)
	if err != nil {
		return nil, fmt.Errorf("consul: create client: %w", err)
	}
	return &consulBackend{client: client, datacenter: cfg.Datacenter}, nil
}

func (b *consulBackend) Method() Method { return MethodConsul }

func (b *consulBackend) Discover(ctx context.Context, serviceType string) ([]*Record, error) {
	name := plainServiceName(serviceType)
	opts := (&consulapi.QueryOptions{Datacenter: b.datacenter}).WithContext(ctx)
	entries, _, err := b.client.Health().Service(name, "", true, opts)
	if err != nil {
		return nil, fmt.Errorf("consul: health query %s: %w", name, err)
	}

	now := time.Now()
	records := make([]*Record, 0, len(entries))
	for _, entry := range entries {
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		records = append(records, &Record{
			ServiceName:  entry.Service.Service,
			InstanceName: entry.Service.ID,
			Hostname:     addr,
			Port:         entry.Service.Port,
			TXT:          entry.Service.Meta,
			TTL:          defaultRecordTTL,
			DiscoveredAt: now,
		})
	}
	return records, nil
}

func (b *consulBackend) Close() error { return nil }
