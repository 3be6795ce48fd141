package httpadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sark-io/sark/internal/adapter"
	"github.com/sark-io/sark/internal/retry"
)

const maxEventBytes = 1 << 20

var eventBoundary = []byte("\n\n")

// Stream opens a server-sent event stream for the capability. The
// limiter and breaker gate the connect only; an established stream is
// never retried. The channel closes when the server ends the stream
// or ctx is cancelled, with read failures surfaced as a final chunk.
func (a *Adapter) Stream(ctx context.Context, req *adapter.InvocationRequest) (<-chan adapter.StreamChunk, error) {
	call, err := a.buildCall(req)
	if err != nil {
		return nil, err
	}

	g := a.guards.For(req.Resource)
	if err := g.Limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	if err := g.Breaker.Allow(); err != nil {
		return nil, err
	}

	httpReq, err := call.request(ctx)
	if err != nil {
		g.Breaker.RecordFailure()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-store")
	if applier, ok := a.auth.Get(req.Resource.ID); ok {
		applier.apply(ctx, httpReq)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		g.Breaker.RecordFailure()
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		g.Breaker.RecordFailure()
		return nil, &retry.StatusError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	g.Breaker.RecordSuccess()

	ch := make(chan adapter.StreamChunk, 8)
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Non-streaming backend. Deliver the whole body as one chunk.
		go a.consumeBody(ctx, resp, ch)
		return ch, nil
	}
	go a.consumeEvents(ctx, resp, ch, req.Resource.ID)
	return ch, nil
}

func (a *Adapter) consumeBody(ctx context.Context, resp *http.Response, ch chan<- adapter.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() == nil {
			ch <- adapter.StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
		}
		return
	}
	select {
	case ch <- adapter.StreamChunk{Data: json.RawMessage(body)}:
	case <-ctx.Done():
	}
}

// consumeEvents scans event blocks off the response body and forwards
// them. The request context cancels body reads, so ctx ending
// unblocks the scanner.
func (a *Adapter) consumeEvents(ctx context.Context, resp *http.Response, ch chan<- adapter.StreamChunk, resourceID string) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)
	scanner.Split(scanEventBlocks)

	events := 0
	for scanner.Scan() {
		event, data := parseEventBlock(scanner.Bytes())
		if event == "" && data == "" {
			continue
		}
		events++
		select {
		case ch <- adapter.StreamChunk{Event: event, Data: json.RawMessage(data)}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("stream terminated",
			zap.String("resource", resourceID), zap.Int("events", events), zap.Error(err))
		ch <- adapter.StreamChunk{Err: fmt.Errorf("stream read: %w", err)}
	}
}

// scanEventBlocks splits on blank lines, yielding one event block per
// token. A trailing partial block is yielded at EOF.
func scanEventBlocks(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if idx := bytes.Index(data, eventBoundary); idx >= 0 {
		return idx + len(eventBoundary), data[:idx], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseEventBlock extracts the event type and data payload from one
// block. Multiple data lines join with newlines; comment lines are
// skipped.
func parseEventBlock(raw []byte) (event, data string) {
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	var dataParts []string
	for _, line := range lines {
		if line == "" || line[0] == ':' {
			continue
		}
		var field, value string
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			field = line[:idx]
			value = line[idx+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		} else {
			field = line
		}
		switch field {
		case "event":
			event = value
		case "data":
			dataParts = append(dataParts, value)
		}
	}
	if len(dataParts) > 0 {
		data = strings.Join(dataParts, "\n")
	}
	return event, data
}
