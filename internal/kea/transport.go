package kea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"network-access-backend/config"
)

// Command is one control-channel request.
type Command struct {
	Command   string         `json:"command"`
	Service   []string       `json:"service,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Response is one control-channel reply.
type Response struct {
	Result    int             `json:"result"`
	Text      string          `json:"text,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Transport sends a single command and returns the single reply. Every call
// uses a fresh connection.
type Transport interface {
	Do(ctx context.Context, cmd Command) (*Response, error)
}

// NewTransport picks the Unix socket when configured, otherwise HTTP.
func NewTransport(cfg config.DHCPConfig) (Transport, error) {
	switch {
	case cfg.ControlSocket != "":
		return &SocketTransport{Path: cfg.ControlSocket, Timeout: cfg.Timeout}, nil
	case cfg.APIURL != "":
		return NewHTTPTransport(cfg.APIURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("either control_socket or api_url must be provided")
	}
}

// SocketTransport talks to kea-dhcp4's Unix control socket.
type SocketTransport struct {
	Path    string
	Timeout time.Duration
}

// Do implements Transport.
func (t *SocketTransport) Do(ctx context.Context, cmd Command) (*Response, error) {
	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "unix", t.Path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", t.Path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("write command: %w", err)
	}

	// Kea may keep the socket open after replying, so decode exactly one
	// JSON value instead of reading to EOF.
	var raw json.RawMessage
	if err := json.NewDecoder(conn).Decode(&raw); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return decodeResponse(raw)
}

// HTTPTransport talks to the Kea Control Agent (or the HTTP listener of
// kea-dhcp4 itself).
type HTTPTransport struct {
	URL    string
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport with a bounded timeout. Keep-alives
// are disabled so every command is its own connection.
func NewHTTPTransport(url string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		URL: url,
		client: &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true},
			Timeout:   timeout,
		},
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, cmd Command) (*Response, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return decodeResponse(raw)
}

// decodeResponse accepts both a bare object (control socket) and the
// one-element array the Control Agent wraps replies in.
func decodeResponse(raw []byte) (*Response, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	if raw[0] == '[' {
		var list []Response
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response list: %w", err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("empty response list")
		}
		return &list[0], nil
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}
