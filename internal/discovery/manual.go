package discovery

import (
	"context"
	"time"

	"github.com/sark-io/sark/config"
)

// manualBackend serves operator-declared records from config.
type manualBackend struct {
	records []*Record
}

func newManual(entries []config.ManualRecord) *manualBackend {
	records := make([]*Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, &Record{
			ServiceName:  e.ServiceName,
			InstanceName: e.InstanceName,
			Hostname:     e.Hostname,
			Port:         e.Port,
			TXT:          e.TXT,
			TTL:          defaultRecordTTL,
		})
	}
	return &manualBackend{records: records}
}

func (b *manualBackend) Method() Method { return MethodManual }

func (b *manualBackend) Discover(_ context.Context, serviceType string) ([]*Record, error) {
	now := time.Now()
	var out []*Record
	for _, rec := range b.records {
		if !matchesService(rec.ServiceName, serviceType) {
			continue
		}
		cp := *rec
		cp.DiscoveredAt = now
		out = append(out, &cp)
	}
	return out, nil
}

// matchesService accepts exact service names and the flattened form,
// so "sark" entries answer a "_sark._tcp.local." browse.
func matchesService(recorded, requested string) bool {
	if recorded == "" || recorded == requested {
		return true
	}
	return plainServiceName(recorded) == plainServiceName(requested)
}

func (b *manualBackend) Close() error { return nil }
