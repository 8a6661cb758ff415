// Package client connects the relay client to a relay server: it waits for the
// server to report healthy, dials the relay endpoint, and runs the interactive
// session.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/doughall/shellrelay/internal/connection"
	"github.com/doughall/shellrelay/internal/version"
)

// healthPath mirrors the server's health route.
const healthPath = "/healthz"

// Client talks to one relay server.
type Client struct {
	httpClient   *http.Client
	serverURL    string
	waitInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a Client for serverURL, which may use an http(s) or ws(s) scheme.
//
// Health checks go through go-retryablehttp so a single refused connection
// during server start-up does not fail the check.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Backoff = retryablehttp.LinearJitterBackoff
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = 5 * time.Second

	return &Client{
		httpClient:   retryClient.StandardClient(),
		serverURL:    strings.TrimSuffix(serverURL, "/"),
		waitInterval: 200 * time.Millisecond,
		logger:       logger.With(slog.String("component", "client")),
	}
}

// healthURL maps the server URL onto the HTTP health route.
func (c *Client) healthURL() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.serverURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), connection.Path) + healthPath
	return u.String(), nil
}

// CheckHealth asks the server whether it is accepting connections.
func (c *Client) CheckHealth(ctx context.Context) error {
	healthURL, err := c.healthURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("User-Agent", "relay-client/"+version.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server not healthy: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls the health endpoint until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()

	for {
		err := c.CheckHealth(ctx)
		if err == nil {
			c.logger.Debug("server is healthy")
			return nil
		}
		c.logger.Debug("waiting for server", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("server %s not ready: %w", c.serverURL, err)
		case <-ticker.C:
		}
	}
}

// Connect dials the relay endpoint. The returned Connection is CONNECTED and
// has no handlers yet. Result frames are not size-limited, since one result
// carries a command's whole output.
func (c *Client) Connect(ctx context.Context) (*connection.Connection, error) {
	return connection.Dial(ctx, c.serverURL, connection.Options{
		ReadLimit: connection.NoReadLimit,
		Logger:    c.logger,
	})
}
