package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/logging"
)

const (
	etcdDialTimeout   = 5 * time.Second
	etcdLeaseTTL      = 30 // seconds
	defaultEtcdPrefix = "/sark/registry"
)

// etcdBackend reads instance registrations stored as JSON records
// under {prefix}/{service}/{instance}. Registrations carry a lease, so
// crashed announcers age out on their own.
type etcdBackend struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

func newEtcd(cfg config.EtcdConfig) (*etcdBackend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: endpoints are required")
	}
	ecfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: etcdDialTimeout,
	}
	if cfg.Username != "" {
		ecfg.Username = cfg.Username
		ecfg.Password = cfg.Password
	}
	client, err := clientv3.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("etcd: create client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	return &etcdBackend{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logging.With(zap.String("component", "discovery"), zap.String("method", "etcd")),
	}, nil
}

func (b *etcdBackend) Method() Method { return MethodEtcd }

func (b *etcdBackend) key(serviceType, instance string) string {
	return b.prefix + "/" + plainServiceName(serviceType) + "/" + instance
}

func (b *etcdBackend) Discover(ctx context.Context, serviceType string) ([]*Record, error) {
	prefix := b.prefix + "/" + plainServiceName(serviceType) + "/"
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: list %s: %w", prefix, err)
	}

	now := time.Now()
	records := make([]*Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			b.logger.Warn("skipping malformed registration",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if rec.TTL <= 0 {
			rec.TTL = defaultRecordTTL
		}
		rec.DiscoveredAt = now
		records = append(records, &rec)
	}
	return records, nil
}

// Announce registers an instance under a short-lived lease and keeps
// the lease alive until ctx ends.
func (b *etcdBackend) Announce(ctx context.Context, rec *Record) error {
	lease, err := b.client.Grant(ctx, etcdLeaseTTL)
	if err != nil {
		return fmt.Errorf("etcd: grant lease: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("etcd: marshal record: %w", err)
	}
	key := b.key(rec.ServiceName, rec.InstanceName)
	if _, err := b.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd: register %s: %w", key, err)
	}
	b.logger.Info("announced instance", zap.String("key", key))
	go b.keepAlive(ctx, lease.ID)
	return nil
}

func (b *etcdBackend) keepAlive(ctx context.Context, id clientv3.LeaseID) {
	ch, err := b.client.KeepAlive(ctx, id)
	if err != nil {
		b.logger.Warn("lease keepalive failed", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-ch:
			if !ok || resp == nil {
				return
			}
		}
	}
}

func (b *etcdBackend) Close() error { return b.client.Close() }
