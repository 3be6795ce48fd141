package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/sjson"

	"github.com/sark-io/sark/config"
	"github.com/sark-io/sark/internal/audit"
	"github.com/sark-io/sark/internal/retry"
)

// Sink ships one batch of audit events to a SIEM backend. Send errors
// are classified by the worker: 5xx and transport failures retry,
// anything else is terminal.
type Sink interface {
	Name() string
	Send(ctx context.Context, events []*audit.Event) error
	Healthy(ctx context.Context) bool
}

// buildSink constructs a sink from config. Sink types are validated at
// config load; unknown types only appear through programmatic use.
func buildSink(cfg config.SinkConfig, minCompress int) (Sink, error) {
	switch cfg.Type {
	case "hec":
		return NewHECSink(cfg, minCompress), nil
	case "taglog":
		return NewTagLogSink(cfg, minCompress), nil
	}
	return nil, fmt.Errorf("siem: unknown sink type %q", cfg.Type)
}

// maybeGzip compresses body when it reaches min bytes. It reports
// whether compression was applied.
func maybeGzip(body []byte, min int) ([]byte, bool, error) {
	if min <= 0 || len(body) < min {
		return body, false, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, false, fmt.Errorf("siem: gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("siem: gzip close: %w", err)
	}
	return buf.Bytes(), true, nil
}

// postBatch sends a prepared payload and classifies the response.
func postBatch(ctx context.Context, client *http.Client, url string, body []byte, compressed bool, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("siem: create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &retry.StatusError{Status: resp.StatusCode, Body: string(snippet)}
}

// probe issues a HEAD to the sink URL. A reachable endpoint counts as
// healthy even when it rejects the method; only transport failures and
// 5xx responses mark the sink down.
func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// HECSink ships events in HTTP Event Collector format: one JSON
// envelope per event, newline-separated, token auth.
type HECSink struct {
	name        string
	url         string
	token       string
	index       string
	source      string
	sourceType  string
	host        string
	minCompress int
	client      *http.Client
}

// NewHECSink creates an HEC-style sink from config.
func NewHECSink(cfg config.SinkConfig, minCompress int) *HECSink {
	source := cfg.Source
	if source == "" {
		source = "sark"
	}
	sourceType := cfg.SourceType
	if sourceType == "" {
		sourceType = "sark:audit"
	}
	return &HECSink{
		name:        cfg.Name,
		url:         cfg.URL,
		token:       cfg.Token,
		index:       cfg.Index,
		source:      source,
		sourceType:  sourceType,
		host:        cfg.Host,
		minCompress: minCompress,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HECSink) Name() string { return s.name }

type hecEnvelope struct {
	Time       float64      `json:"time"`
	Event      *audit.Event `json:"event"`
	Source     string       `json:"source,omitempty"`
	SourceType string       `json:"sourcetype,omitempty"`
	Index      string       `json:"index,omitempty"`
	Host       string       `json:"host,omitempty"`
}

func (s *HECSink) Send(ctx context.Context, events []*audit.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		envelope := hecEnvelope{
			Time:       float64(ev.Timestamp.UnixNano()) / 1e9,
			Event:      ev,
			Source:     s.source,
			SourceType: s.sourceType,
			Index:      s.index,
			Host:       s.host,
		}
		if err := enc.Encode(&envelope); err != nil {
			return fmt.Errorf("siem: encode hec envelope: %w", err)
		}
	}

	body, compressed, err := maybeGzip(buf.Bytes(), s.minCompress)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if s.token != "" {
		header.Set("Authorization", "Splunk "+s.token)
	}
	return postBatch(ctx, s.client, s.url, body, compressed, header)
}

func (s *HECSink) Healthy(ctx context.Context) bool {
	return probe(ctx, s.client, s.url)
}

// TagLogSink ships events as a JSON array of tag-based log lines with
// the full audit record nested under "sark".
type TagLogSink struct {
	name        string
	url         string
	token       string
	service     string
	tags        string
	hostname    string
	minCompress int
	client      *http.Client
}

// NewTagLogSink creates a tag-log-style sink from config.
func NewTagLogSink(cfg config.SinkConfig, minCompress int) *TagLogSink {
	service := cfg.Service
	if service == "" {
		service = "sark"
	}
	return &TagLogSink{
		name:        cfg.Name,
		url:         cfg.URL,
		token:       cfg.Token,
		service:     service,
		tags:        formatTags(cfg.Tags),
		hostname:    cfg.Host,
		minCompress: minCompress,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// formatTags renders a tag map as "k:v,k:v" with stable ordering.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+tags[k])
	}
	return strings.Join(parts, ",")
}

func (s *TagLogSink) Name() string { return s.name }

func (s *TagLogSink) Send(ctx context.Context, events []*audit.Event) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, ev := range events {
		line, err := s.encode(ev)
		if err != nil {
			return err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(line)
	}
	buf.WriteByte(']')

	body, compressed, err := maybeGzip(buf.Bytes(), s.minCompress)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if s.token != "" {
		header.Set("DD-API-KEY", s.token)
	}
	return postBatch(ctx, s.client, s.url, body, compressed, header)
}

// encode assembles one tag-log line with sjson so the nested audit
// record stays byte-identical to its canonical form.
func (s *TagLogSink) encode(ev *audit.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("siem: marshal event: %w", err)
	}
	message := fmt.Sprintf("%s severity=%s principal=%s resource=%s",
		ev.EventType, ev.Severity, ev.PrincipalID, ev.ResourceID)

	line := []byte(`{}`)
	line, _ = sjson.SetBytes(line, "ddsource", "sark")
	if s.tags != "" {
		line, _ = sjson.SetBytes(line, "ddtags", s.tags)
	}
	line, _ = sjson.SetBytes(line, "service", s.service)
	line, _ = sjson.SetBytes(line, "message", message)
	line, _ = sjson.SetBytes(line, "timestamp", ev.Timestamp.UnixMilli())
	if s.hostname != "" {
		line, _ = sjson.SetBytes(line, "hostname", s.hostname)
	}
	line, err = sjson.SetRawBytes(line, "sark", raw)
	if err != nil {
		return nil, fmt.Errorf("siem: embed event: %w", err)
	}
	line, _ = sjson.SetBytes(line, "event_id", ev.ID)
	line, _ = sjson.SetBytes(line, "event_type", ev.EventType)
	line, _ = sjson.SetBytes(line, "severity", string(ev.Severity))
	if ev.PrincipalEmail != "" {
		line, _ = sjson.SetBytes(line, "principal_email", ev.PrincipalEmail)
	}
	return line, nil
}

func (s *TagLogSink) Healthy(ctx context.Context) bool {
	return probe(ctx, s.client, s.url)
}
