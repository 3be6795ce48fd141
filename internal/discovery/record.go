package discovery

import (
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

type ptrEntry struct {
	name string // instance FQDN in its original case
	ttl  uint32
}

// dnsAssembly collects PTR/SRV/TXT records for one browse name across
// any number of response messages. DNS names match case-insensitively;
// SRV and TXT may arrive in additionals or in later answers.
type dnsAssembly struct {
	display string // service type as configured, reported on records
	match   string // canonical browse FQDN
	ptrs    map[string]ptrEntry
	srvs    map[string]*dns.SRV
	txts    map[string]*dns.TXT
}

func newAssembly(display, browse string) *dnsAssembly {
	return &dnsAssembly{
		display: display,
		match:   strings.ToLower(dns.Fqdn(browse)),
		ptrs:    make(map[string]ptrEntry),
		srvs:    make(map[string]*dns.SRV),
		txts:    make(map[string]*dns.TXT),
	}
}

func (a *dnsAssembly) absorb(msg *dns.Msg) {
	if msg == nil {
		return
	}
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			switch t := rr.(type) {
			case *dns.PTR:
				// TTL 0 is a goodbye announcement.
				if strings.ToLower(t.Hdr.Name) != a.match || t.Hdr.Ttl == 0 {
					continue
				}
				key := strings.ToLower(t.Ptr)
				if prev, ok := a.ptrs[key]; !ok || t.Hdr.Ttl < prev.ttl {
					a.ptrs[key] = ptrEntry{name: t.Ptr, ttl: t.Hdr.Ttl}
				}
			case *dns.SRV:
				a.srvs[strings.ToLower(t.Hdr.Name)] = t
			case *dns.TXT:
				a.txts[strings.ToLower(t.Hdr.Name)] = t
			}
		}
	}
}

// missingSRV lists instances announced by PTR that still lack an SRV,
// sorted for deterministic follow-up queries.
func (a *dnsAssembly) missingSRV() []string {
	var out []string
	for key, p := range a.ptrs {
		if _, ok := a.srvs[key]; !ok {
			out = append(out, p.name)
		}
	}
	sort.Strings(out)
	return out
}

func (a *dnsAssembly) missingTXT() []string {
	var out []string
	for key, p := range a.ptrs {
		if _, ok := a.txts[key]; !ok {
			out = append(out, p.name)
		}
	}
	sort.Strings(out)
	return out
}

// records materializes the assembled instances. An instance without an
// SRV has no address and is dropped. The record TTL is the minimum of
// its PTR/SRV/TXT TTLs.
func (a *dnsAssembly) records(now time.Time) []*Record {
	out := make([]*Record, 0, len(a.ptrs))
	for key, ptr := range a.ptrs {
		srv, ok := a.srvs[key]
		if !ok {
			continue
		}
		ttl := ptr.ttl
		if srv.Hdr.Ttl < ttl {
			ttl = srv.Hdr.Ttl
		}
		var txt map[string]string
		if t, ok := a.txts[key]; ok {
			txt = parseTXT(t.Txt)
			if t.Hdr.Ttl < ttl {
				ttl = t.Hdr.Ttl
			}
		}
		out = append(out, &Record{
			ServiceName:  a.display,
			InstanceName: instanceLabel(ptr.name, a.match),
			Hostname:     strings.TrimSuffix(srv.Target, "."),
			Port:         int(srv.Port),
			TXT:          txt,
			TTL:          time.Duration(ttl) * time.Second,
			DiscoveredAt: now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceName < out[j].InstanceName })
	return out
}

// instanceLabel strips the browse suffix from an instance FQDN:
// "scanner._sark._tcp.local." under "_sark._tcp.local." is "scanner".
func instanceLabel(fqdn, serviceFQDN string) string {
	suffix := "." + serviceFQDN
	lower := strings.ToLower(fqdn)
	if len(lower) > len(suffix) && strings.HasSuffix(lower, suffix) {
		return fqdn[:len(lower)-len(suffix)]
	}
	return strings.TrimSuffix(fqdn, ".")
}

// parseTXT splits "key=value" TXT entries; bare entries become flags
// with empty values.
func parseTXT(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if e == "" {
			continue
		}
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}
