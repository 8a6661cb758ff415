package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// handshakeTimeout bounds the client side of the WebSocket upgrade.
const handshakeTimeout = 10 * time.Second

// upgrader accepts every origin. The relay is reachable from any page by
// design; there is no authentication to protect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Dial connects to the relay server at endpoint and returns a CONNECTED Connection.
// endpoint may be an http(s):// or ws(s):// URL; the /ws path is appended if missing.
// The caller registers handlers and then calls Run.
func Dial(ctx context.Context, endpoint string, opts Options) (*Connection, error) {
	wsURL, err := EndpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	c := newConnection(opts)
	c.setState(StateConnecting)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		close(c.closing)
		close(c.writerDone)
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	c.attach(ws)
	c.logger.Info("connected to relay server", slog.String("url", wsURL))
	return c, nil
}

// Accept upgrades an HTTP request to a CONNECTED Connection.
// On failure the upgrader has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Connection, error) {
	c := newConnection(opts)
	c.setState(StateConnecting)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.setState(StateDisconnected)
		close(c.closing)
		close(c.writerDone)
		return nil, fmt.Errorf("upgrade: %w", err)
	}

	c.attach(ws)
	return c, nil
}

// EndpointURL converts a server URL into the relay's WebSocket URL.
// http -> ws, https -> wss, ws(s) kept; the path gets /ws unless it already ends with it.
func EndpointURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme %q", serverURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", serverURL)
	}

	if !strings.HasSuffix(u.Path, Path) {
		u.Path = strings.TrimSuffix(u.Path, "/") + Path
	}
	return u.String(), nil
}
