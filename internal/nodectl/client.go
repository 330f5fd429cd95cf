// Package nodectl is the controller's side of the node control protocol:
// the HTTP client for agent block/unblock/clear/health, the durable node
// registry, and per-node health tracking.
package nodectl

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/tetherguard/tether/internal/model"
	"github.com/tetherguard/tether/internal/netutil"
)

// Client issues control calls to node agents. Calls authenticate with the
// shared node secret carried in the body.
type Client struct {
	http    *http.Client
	secret  string
	timeout time.Duration
}

// NewClient builds an agent control client. A nil httpClient gets a pooled
// default.
func NewClient(httpClient *http.Client, secret string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = netutil.NewClient(netutil.ClientConfig{})
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{http: httpClient, secret: secret, timeout: timeout}
}

type blockRequest struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port,omitempty"`
	Duration int    `json:"duration"`
	Secret   string `json:"secret"`
}

type unblockRequest struct {
	IP     string `json:"ip"`
	Port   uint16 `json:"port,omitempty"`
	Secret string `json:"secret"`
}

type clearRequest struct {
	Secret string `json:"secret"`
}

// HealthReply is the agent's /health payload.
type HealthReply struct {
	Node           string `json:"node"`
	InstalledRules int    `json:"installed_rules"`
}

func nodeURL(node model.NodeDescriptor, path string) string {
	return fmt.Sprintf("http://%s:%d%s", node.Address, node.Port, path)
}

// Block installs or extends a drop rule for ip on the node. ttl is rounded
// down to whole seconds; sub-second ttls become one second.
func (c *Client) Block(ctx context.Context, node model.NodeDescriptor, ip netip.Addr, port uint16, ttl time.Duration) error {
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := blockRequest{IP: ip.String(), Port: port, Duration: secs, Secret: c.secret}
	if err := netutil.PostJSON(ctx, c.http, nodeURL(node, "/block"), req, nil); err != nil {
		return fmt.Errorf("nodectl: block %s on %s: %w", ip, node.Name, err)
	}
	return nil
}

// Unblock removes any matching drop rule on the node.
func (c *Client) Unblock(ctx context.Context, node model.NodeDescriptor, ip netip.Addr, port uint16) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := unblockRequest{IP: ip.String(), Port: port, Secret: c.secret}
	if err := netutil.PostJSON(ctx, c.http, nodeURL(node, "/unblock"), req, nil); err != nil {
		return fmt.Errorf("nodectl: unblock %s on %s: %w", ip, node.Name, err)
	}
	return nil
}

// ClearAll removes every rule installed by the agent on the node.
func (c *Client) ClearAll(ctx context.Context, node model.NodeDescriptor) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := netutil.PostJSON(ctx, c.http, nodeURL(node, "/clear"), clearRequest{Secret: c.secret}, nil); err != nil {
		return fmt.Errorf("nodectl: clear %s: %w", node.Name, err)
	}
	return nil
}

// Health probes the agent's health endpoint.
func (c *Client) Health(ctx context.Context, node model.NodeDescriptor) (HealthReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reply HealthReply
	if err := netutil.GetJSON(ctx, c.http, nodeURL(node, "/health"), nil, &reply); err != nil {
		return HealthReply{}, fmt.Errorf("nodectl: health %s: %w", node.Name, err)
	}
	return reply, nil
}
