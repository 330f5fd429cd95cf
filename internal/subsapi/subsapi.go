// Package subsapi talks to the subscription panel: per-subscriber device
// limits and the disable/enable account actions.
package subsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tetherguard/tether/internal/netutil"
)

// ErrNotFound means the panel has no record of the subscriber.
var ErrNotFound = errors.New("subsapi: subscriber not found")

// User is the subset of the panel's user record the controller needs.
type User struct {
	UUID string
	// DeviceLimit is nil when the panel defines no limit for this user.
	DeviceLimit *uint32
	Status      string
}

// HasLimit reports whether the panel enforces a device limit for this user.
// A nil or zero limit means unlimited.
func (u User) HasLimit() bool {
	return u.DeviceLimit != nil && *u.DeviceLimit > 0
}

// Client is the panel API client. All calls carry the configured bearer
// token; outages trip the breaker so a dead panel does not stall the
// enforcement lanes on every evaluation.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// Config configures the panel client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

// New builds a panel client. A nil Config.Client gets a pooled default.
func New(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = netutil.NewClient(netutil.ClientConfig{})
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    httpClient,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "subscription-api",
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// userEnvelope matches both response shapes the panel emits: the record
// wrapped in a "response" object, or the record at the root.
type userEnvelope struct {
	Response *userRecord `json:"response"`
	userRecord
}

type userRecord struct {
	UUID            string  `json:"uuid"`
	HWIDDeviceLimit *uint32 `json:"hwidDeviceLimit"`
	Status          string  `json:"status"`
}

// GetUser fetches the panel record for a subscriber identifier.
func (c *Client) GetUser(ctx context.Context, subscriber string) (User, error) {
	u := fmt.Sprintf("%s/api/users/by-id/%s", c.baseURL, url.PathEscape(subscriber))

	res, err := c.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var env userEnvelope
		if err := netutil.GetJSON(ctx, c.http, u, c.authHeader(), &env); err != nil {
			var se *netutil.StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
				return nil, ErrNotFound
			}
			return nil, err
		}
		rec := env.userRecord
		if env.Response != nil {
			rec = *env.Response
		}
		if rec.UUID == "" {
			return nil, fmt.Errorf("subsapi: user %s: reply carries no uuid", subscriber)
		}
		return User{UUID: rec.UUID, DeviceLimit: rec.HWIDDeviceLimit, Status: rec.Status}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return User{}, fmt.Errorf("subsapi: user %s: panel unavailable: %w", subscriber, err)
		}
		return User{}, err
	}
	return res.(User), nil
}

// Disable suspends the subscriber account identified by its panel UUID.
func (c *Client) Disable(ctx context.Context, uuid string) error {
	return c.action(ctx, uuid, "disable")
}

// Enable restores a previously disabled account.
func (c *Client) Enable(ctx context.Context, uuid string) error {
	return c.action(ctx, uuid, "enable")
}

func (c *Client) action(ctx context.Context, uuid, verb string) error {
	u := fmt.Sprintf("%s/api/users/%s/actions/%s", c.baseURL, url.PathEscape(uuid), verb)

	_, err := c.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return nil, fmt.Errorf("subsapi: %s %s: %w", verb, uuid, err)
		}
		for k, vs := range c.authHeader() {
			req.Header[k] = vs
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("subsapi: %s %s: %w", verb, uuid, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &netutil.StatusError{URL: u, StatusCode: resp.StatusCode}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("subsapi: %s %s: panel unavailable: %w", verb, uuid, err)
	}
	return err
}

func (c *Client) authHeader() http.Header {
	h := make(http.Header, 2)
	h.Set("Authorization", "Bearer "+c.token)
	h.Set("Accept", "application/json")
	return h
}
