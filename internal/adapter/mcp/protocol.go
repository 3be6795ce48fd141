// Package mcp implements the Model Context Protocol adapters: JSON-RPC
// 2.0 over HTTP POST for remote servers and over stdio for child
// processes.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sark-io/sark/internal/jsonrpc"
	"github.com/sark-io/sark/internal/registry"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "sark"
	clientVersion   = "1.0"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// metadata keys stamped on discovered resources.
const (
	metaServerName    = "mcp_server_name"
	metaServerVersion = "mcp_server_version"
)

type implementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ClientInfo      implementationInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    json.RawMessage    `json:"capabilities,omitempty"`
	ServerInfo      implementationInfo `json:"serverInfo"`
}

func newInitializeParams() initializeParams {
	return initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      implementationInfo{Name: clientName, Version: clientVersion},
	}
}

type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// capabilitiesFrom converts a tools/list response into registry
// capabilities, inheriting the resource's sensitivity.
func capabilitiesFrom(res *registry.Resource, tools []toolDescriptor) []*registry.Capability {
	caps := make([]*registry.Capability, 0, len(tools))
	for _, tool := range tools {
		caps = append(caps, &registry.Capability{
			ID:          res.ID + "." + tool.Name,
			ResourceID:  res.ID,
			Name:        tool.Name,
			Description: tool.Description,
			Sensitivity: res.Sensitivity,
			InputSchema: tool.InputSchema,
		})
	}
	return caps
}

// payloadFrom flattens a tools/call result. Single text blocks decode
// to their JSON value when possible; multi-block content keeps the
// block list.
func payloadFrom(tcr *toolCallResult) (any, error) {
	if tcr.IsError {
		return nil, fmt.Errorf("tool reported error: %s", contentText(tcr.Content))
	}
	if len(tcr.Content) == 1 && tcr.Content[0].Type == "text" {
		text := tcr.Content[0].Text
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v, nil
		}
		return text, nil
	}
	return tcr.Content, nil
}

func contentText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "(no detail)"
	}
	return strings.Join(parts, "; ")
}

// decodeToolCall unmarshals a tools/call response body.
func decodeToolCall(msg *jsonrpc.Message) (*toolCallResult, error) {
	var tcr toolCallResult
	if err := msg.UnmarshalResult(&tcr); err != nil {
		return nil, err
	}
	return &tcr, nil
}
