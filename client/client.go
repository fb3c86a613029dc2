// Package client talks to a Confluence aggregator node over its HTTP API.
package client

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"Confluence/internal/aggregator"
	"Confluence/internal/api"
	"Confluence/internal/events"
	"Confluence/internal/gateway"
)

// Client connects to an aggregator node via HTTP.
type Client struct {
	nodeAddr string             // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	key      ed25519.PrivateKey // key signs every request when set
	http     *http.Client       // http is the transport
}

// Option configures a Client.
type Option func(*Client)

// WithKey signs every request with key. Administrative calls need the
// owner's key; a signed send uses the key as application sender.
func WithKey(key ed25519.PrivateKey) Option {
	return func(c *Client) { c.key = key }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a client for the node at nodeAddr.
func NewClient(nodeAddr string, opts ...Option) *Client {
	c := &Client{
		nodeAddr: nodeAddr,
		http:     &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Health checks that the node answers.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/health", nil, nil)
}

// Status returns the node's configuration.
func (c *Client) Status() (*aggregator.Status, error) {
	var st aggregator.Status
	if err := c.do(http.MethodGet, "/status", nil, &st); err != nil {
		return nil, fmt.Errorf("status:\n%w", err)
	}

	return &st, nil
}

// Send asks the node to fan a message out to receiver on network dst.
func (c *Client) Send(req api.SendRequest) (*api.OutboxView, error) {
	var out api.OutboxView
	if err := c.do(http.MethodPost, "/send", req, &out); err != nil {
		return nil, fmt.Errorf("send:\n%w", err)
	}

	return &out, nil
}

// Message returns the receipt state of a message id.
func (c *Client) Message(id string) (*api.MessageView, error) {
	var m api.MessageView
	if err := c.do(http.MethodGet, "/messages/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, fmt.Errorf("message %s:\n%w", id, err)
	}

	return &m, nil
}

// Retry re-attempts execution of a quorate message.
func (c *Client) Retry(id string) (*api.MessageView, error) {
	var m api.MessageView
	if err := c.do(http.MethodPost, "/messages/"+url.PathEscape(id)+"/retry", nil, &m); err != nil {
		return nil, fmt.Errorf("retry %s:\n%w", id, err)
	}

	return &m, nil
}

// Outbox returns a stored fan-out record.
func (c *Client) Outbox(id string) (*api.OutboxView, error) {
	var out api.OutboxView
	if err := c.do(http.MethodGet, "/outbox/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("outbox %s:\n%w", id, err)
	}

	return &out, nil
}

// Events returns up to limit of the latest events, oldest first.
func (c *Client) Events(limit int) ([]events.Event, error) {
	var evs []events.Event
	if err := c.do(http.MethodGet, "/events?limit="+strconv.Itoa(limit), nil, &evs); err != nil {
		return nil, fmt.Errorf("events:\n%w", err)
	}

	return evs, nil
}

// WaitExecuted polls a message until it is executed or timeout elapses.
func (c *Client) WaitExecuted(id string, timeout time.Duration) (*api.MessageView, error) {
	deadline := time.Now().Add(timeout)

	for {
		m, err := c.Message(id)
		if err == nil && m.Executed && m.Status == "executed" {
			return m, nil
		}

		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return m, fmt.Errorf("message %s not executed after %s (status %s)", id, timeout, m.Status)
		}

		time.Sleep(50 * time.Millisecond)
	}
}

// AddGateway registers a gateway.
func (c *Client) AddGateway(id gateway.ID) error {
	return c.AddGatewayAt(id, "")
}

// AddGatewayAt registers a gateway and has the node connect to its relay at addr.
func (c *Client) AddGatewayAt(id gateway.ID, addr string) error {
	return c.do(http.MethodPost, "/admin/gateways", api.GatewayRequest{ID: id, Addr: addr}, nil)
}

// RemoveGateway unregisters a gateway.
func (c *Client) RemoveGateway(id gateway.ID) error {
	return c.do(http.MethodDelete, "/admin/gateways/"+id.String(), nil, nil)
}

// SetThreshold replaces the quorum threshold.
func (c *Client) SetThreshold(n int) error {
	return c.do(http.MethodPut, "/admin/threshold", api.ThresholdRequest{Threshold: n}, nil)
}

// RegisterRemote maps network to its counterpart aggregator address.
func (c *Client) RegisterRemote(network, address string) error {
	return c.do(http.MethodPut, "/admin/remotes/"+url.PathEscape(network), api.RemoteRequest{Address: address}, nil)
}

// Pause stops sends, deliveries and retries on the node.
func (c *Client) Pause() error {
	return c.do(http.MethodPost, "/admin/pause", nil, nil)
}

// Unpause resumes the node.
func (c *Client) Unpause() error {
	return c.do(http.MethodPost, "/admin/unpause", nil, nil)
}

// Snapshot downloads the node's state export.
func (c *Client) Snapshot() ([]byte, error) {
	resp, err := c.send(http.MethodGet, "/admin/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot:\n%w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot:\n%w", err)
	}

	return data, nil
}
