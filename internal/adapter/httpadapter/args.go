package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/sark-io/sark/internal/adapter"
)

const (
	queryPrefix  = "query_"
	headerPrefix = "header_"

	metaMethod = "http_method"
	metaPath   = "http_path"
)

// pathParamRegex matches templated path segments like {user_id}.
var pathParamRegex = regexp.MustCompile(`\{([^}]+)\}`)

// boundCall is an invocation request resolved against its capability
// binding: final URL, method, headers, and JSON body.
type boundCall struct {
	method  string
	url     string
	headers http.Header
	body    []byte
}

func (c *boundCall) request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(c.body) > 0 {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(c.body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// buildCall splits arguments into path, query, header, and body parts
// per the capability binding.
func (a *Adapter) buildCall(req *adapter.InvocationRequest) (*boundCall, error) {
	method := strings.ToUpper(req.Capability.Metadata[metaMethod])
	path := req.Capability.Metadata[metaPath]
	if method == "" || path == "" {
		return nil, fmt.Errorf("capability %s missing %s/%s metadata", req.Capability.ID, metaMethod, metaPath)
	}

	query := url.Values{}
	headers := http.Header{}
	body := make(map[string]any)

	for key, value := range req.Arguments {
		switch {
		case strings.HasPrefix(key, queryPrefix):
			query.Set(key[len(queryPrefix):], stringify(value))
		case strings.HasPrefix(key, headerPrefix):
			headers.Set(key[len(headerPrefix):], stringify(value))
		case strings.Contains(path, "{"+key+"}"):
			path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(stringify(value)))
		default:
			body[key] = value
		}
	}

	if m := pathParamRegex.FindStringSubmatch(path); m != nil {
		return nil, fmt.Errorf("missing path parameter %q", m[1])
	}

	full := strings.TrimRight(req.Resource.Endpoint, "/") + path
	if enc := query.Encode(); enc != "" {
		full += "?" + enc
	}

	call := &boundCall{method: method, url: full, headers: headers}
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		call.body = data
	}
	return call, nil
}

// stringify renders an argument for a path, query, or header slot.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; keep integers undecorated.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
