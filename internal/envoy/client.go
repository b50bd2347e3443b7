package envoy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chrisv1180/envoy-logger/internal/model"
)

const (
	DefaultGatewayBase = "https://envoy.local"

	sessionCookie = "sessionId"

	pathCheckJWT   = "/auth/check_jwt"
	pathProduction = "/production.json?details=1"
	pathInverters  = "/api/v1/production/inverters"
	pathInventory  = "/ivp/ensemble/inventory"
)

var (
	ErrUnauthorized = errors.New("gateway rejected credentials")
	ErrNoSession    = errors.New("no gateway session")
)

// Client talks to the local gateway API. A session is created from an
// owner token with Login and reused for every data request.
type Client struct {
	sync.Mutex

	log         *slog.Logger
	gatewayBase string
	http        *http.Client
	now         func() time.Time

	sessionID string
}

type OptionFunc func(*Client)

func WithHTTPClient(hc *http.Client) OptionFunc {
	return func(c *Client) {
		c.http = hc
	}
}

func WithClock(now func() time.Time) OptionFunc {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(log *slog.Logger, gatewayBase string, timeout time.Duration, opts ...OptionFunc) *Client {
	if gatewayBase == "" {
		gatewayBase = DefaultGatewayBase
	}
	c := &Client{
		log:         log,
		gatewayBase: strings.TrimRight(gatewayBase, "/"),
		now:         time.Now,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// The gateway serves a self-signed certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Login(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayBase+pathCheckJWT, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := checkStatus(resp); err != nil {
		return err
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			c.Lock()
			c.sessionID = cookie.Value
			c.Unlock()
			c.log.Info("gateway session established", slog.String("gateway", c.gatewayBase))
			return nil
		}
	}
	return fmt.Errorf("%s cookie not found", sessionCookie)
}

func (c *Client) InvalidateSession() {
	c.Lock()
	defer c.Unlock()
	c.sessionID = ""
}

func (c *Client) session() (string, error) {
	c.Lock()
	defer c.Unlock()
	if c.sessionID == "" {
		return "", ErrNoSession
	}
	return c.sessionID, nil
}

func (c *Client) PowerData(ctx context.Context) (*model.SampleData, error) {
	var resp ProductionResponse
	if err := c.get(ctx, pathProduction, &resp); err != nil {
		return nil, fmt.Errorf("production: %w", err)
	}
	return resp.ToSampleData(c.now()), nil
}

func (c *Client) InverterData(ctx context.Context) (map[string]model.InverterSample, error) {
	var resp []InverterReport
	if err := c.get(ctx, pathInverters, &resp); err != nil {
		return nil, fmt.Errorf("inverters: %w", err)
	}
	return inverterSamples(resp), nil
}

func (c *Client) BatteryData(ctx context.Context) (*model.BatteriesSample, error) {
	var resp InventoryResponse
	if err := c.get(ctx, pathInventory, &resp); err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return resp.ToBatteriesSample(c.now()), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	sessionID, err := c.session()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayBase+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sessionID})
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.InvalidateSession()
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// IsTimeout reports whether err is a connect or read timeout. The gateway
// stalls on some requests when it cannot reach the Enphase cloud, so these
// are tolerated for a while.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
