// File: internal/tools/http_tool.go
package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/phonepilot/internal/config"
)

// CommandRequest is the JSON body posted to an HTTP tool.
type CommandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// CommandResponse is the JSON body an HTTP tool answers with.
type CommandResponse struct {
	Status string `json:"status"` // "success", "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

const maxResponseBytes = 1 << 20

// HTTPTool forwards mcp_call arguments to a command endpoint.
type HTTPTool struct {
	name        string
	description string
	url         string
	command     string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPTool creates a tool from its configuration. The command defaults to the tool name.
func NewHTTPTool(cfg config.HTTPToolConfig, client *http.Client) (*HTTPTool, error) {
	if cfg.Name == "" || cfg.URL == "" {
		return nil, fmt.Errorf("http tool requires a name and url")
	}
	if client == nil {
		client = &http.Client{}
	}
	command := cfg.Command
	if command == "" {
		command = cfg.Name
	}
	return &HTTPTool{
		name:        cfg.Name,
		description: cfg.Description,
		url:         cfg.URL,
		command:     command,
		headers:     cfg.Headers,
		client:      client,
	}, nil
}

func (h *HTTPTool) Name() string        { return h.name }
func (h *HTTPTool) Description() string { return h.description }

// Execute posts the command and returns the response's data field.
func (h *HTTPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(CommandRequest{Command: h.command, Params: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	var out CommandResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("tool returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode tool response: %w", err)
	}
	if resp.StatusCode >= 300 || strings.EqualFold(out.Status, "error") {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("tool %s failed: %s", h.name, msg)
	}
	return out.Data, nil
}
