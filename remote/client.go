// Package remote talks to the HTTP surface of a running coupler instance.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/timzifer/coupler/model"
	"github.com/timzifer/coupler/service"
	"github.com/timzifer/coupler/trigger"
)

const defaultTimeout = 5 * time.Second

// StatusError is returned for every non-success response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: status %d", e.Code)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

// Client issues requests against one instance.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds every request of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

// New creates a client for address, which is either a base URL or a listen
// address such as ":18080". Wildcard hosts resolve to the loopback interface.
func New(address string, opts ...Option) (*Client, error) {
	base, err := BaseURL(address)
	if err != nil {
		return nil, err
	}
	c := &Client{base: base, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// BaseURL normalises address to the base URL of the HTTP surface.
func BaseURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		address = service.DefaultListen
	}
	if strings.Contains(address, "://") {
		u, err := url.Parse(address)
		if err != nil {
			return "", fmt.Errorf("remote address %q: %w", address, err)
		}
		return strings.TrimRight(u.String(), "/"), nil
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("remote address %q: %w", address, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// Health succeeds when the instance answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Drivers lists the registered drivers.
func (c *Client) Drivers(ctx context.Context) ([]service.DriverInfo, error) {
	var out []service.DriverInfo
	err := c.do(ctx, http.MethodGet, "/drivers", nil, &out)
	return out, err
}

// Connectors lists the status of every connector.
func (c *Client) Connectors(ctx context.Context) ([]service.ConnectorStatus, error) {
	var out []service.ConnectorStatus
	err := c.do(ctx, http.MethodGet, "/connectors", nil, &out)
	return out, err
}

// Connector returns the status of one connector.
func (c *Client) Connector(ctx context.Context, id string) (service.ConnectorStatus, error) {
	var out service.ConnectorStatus
	err := c.do(ctx, http.MethodGet, connectorPath(id, ""), nil, &out)
	return out, err
}

// Connect connects a connector and returns its new status.
func (c *Client) Connect(ctx context.Context, id string) (service.ConnectorStatus, error) {
	var out service.ConnectorStatus
	err := c.do(ctx, http.MethodPost, connectorPath(id, "connect"), nil, &out)
	return out, err
}

// Disconnect disconnects a connector and returns its new status.
func (c *Client) Disconnect(ctx context.Context, id string) (service.ConnectorStatus, error) {
	var out service.ConnectorStatus
	err := c.do(ctx, http.MethodPost, connectorPath(id, "disconnect"), nil, &out)
	return out, err
}

// Last returns the most recent record received by a connector.
func (c *Client) Last(ctx context.Context, id string) (service.LastResponse, error) {
	var out service.LastResponse
	err := c.do(ctx, http.MethodGet, connectorPath(id, "last"), nil, &out)
	return out, err
}

// Trigger starts a replay job and returns its id.
func (c *Client) Trigger(ctx context.Context, id string, q trigger.Query) (string, error) {
	var out service.TriggerResponse
	if err := c.do(ctx, http.MethodPost, connectorPath(id, "trigger"), service.NewTriggerRequest(q), &out); err != nil {
		return "", err
	}
	return out.Job, nil
}

// Write sends rec to the device behind a connector.
func (c *Client) Write(ctx context.Context, id string, rec model.Record) error {
	return c.do(ctx, http.MethodPost, connectorPath(id, "write"), rec, nil)
}

func connectorPath(id, action string) string {
	p := "/connectors/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
