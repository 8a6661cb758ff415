package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doughall/shellrelay/internal/protocol"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serverSide captures the server half of each accepted connection.
type serverSide struct {
	conns  chan *Connection
	closed chan error
}

func newTestServer(t *testing.T, opts Options, setup func(c *Connection)) (*httptest.Server, *serverSide) {
	t.Helper()
	side := &serverSide{
		conns:  make(chan *Connection, 4),
		closed: make(chan error, 4),
	}
	opts.Logger = nopLogger()

	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, opts)
		if err != nil {
			return
		}
		if setup != nil {
			setup(c)
		}
		side.conns <- c
		side.closed <- c.Run(context.Background())
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, side
}

// echoSetup answers every command with an output carrying the same payload.
func echoSetup(t *testing.T) func(c *Connection) {
	return func(c *Connection) {
		_, err := c.OnMessage(protocol.TypeCommand, func(payload string) {
			_ = c.Send(protocol.Output(payload))
		})
		require.NoError(t, err)
	}
}

func dial(t *testing.T, ts *httptest.Server) *Connection {
	t.Helper()
	c, err := Dial(context.Background(), ts.URL, Options{Logger: nopLogger()})
	require.NoError(t, err)
	return c
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestDialRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, Options{}, echoSetup(t))
	c := dial(t, ts)
	defer c.Close()

	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ID())
	assert.False(t, c.CreatedAt().IsZero())

	got := make(chan string, 1)
	_, err := c.OnMessage(protocol.TypeOutput, func(p string) { got <- p })
	require.NoError(t, err)
	go c.Run(context.Background())

	require.NoError(t, c.Send(protocol.Command("echo hello")))
	assert.Equal(t, "echo hello", receive(t, got))
}

func TestOrderedDelivery(t *testing.T) {
	ts, _ := newTestServer(t, Options{}, echoSetup(t))
	c := dial(t, ts)
	defer c.Close()

	got := make(chan string, 200)
	_, err := c.OnMessage(protocol.TypeOutput, func(p string) { got <- p })
	require.NoError(t, err)
	go c.Run(context.Background())

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(protocol.Command(fmt.Sprintf("cmd-%d", i))))
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("cmd-%d", i), receive(t, got))
	}
}

func TestSendAfterClose(t *testing.T) {
	ts, side := newTestServer(t, Options{}, nil)
	c := dial(t, ts)

	closed := make(chan error, 1)
	_, err := c.OnClose(func(err error) { closed <- err })
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close must be idempotent")

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(protocol.Command("echo late")), ErrConnectionClosed)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close handler not called")
	}
	assert.NoError(t, <-runErr)

	// the server sees a clean close too
	select {
	case err := <-side.closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server side did not close")
	}
}

func TestCloseFlushesQueuedMessages(t *testing.T) {
	got := make(chan string, 10)
	ts, _ := newTestServer(t, Options{}, func(c *Connection) {
		_, _ = c.OnMessage(protocol.TypeCommand, func(p string) { got <- p })
	})
	c := dial(t, ts)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(protocol.Command(fmt.Sprint(i))))
	}
	require.NoError(t, c.Close())
	go c.Run(context.Background())

	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprint(i), receive(t, got))
	}
}

func TestContextCancelClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, Options{}, nil)
	c := dial(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
	<-c.Done()
}

func TestHandlerRegisteredOnce(t *testing.T) {
	ts, _ := newTestServer(t, Options{}, nil)
	c := dial(t, ts)
	defer c.Close()

	dereg, err := c.OnMessage(protocol.TypeOutput, func(string) {})
	require.NoError(t, err)

	_, err = c.OnMessage(protocol.TypeOutput, func(string) {})
	assert.ErrorIs(t, err, ErrHandlerRegistered)

	// a different type is a different event
	_, err = c.OnMessage(protocol.TypeCommand, func(string) {})
	assert.NoError(t, err)

	dereg()
	dereg2, err := c.OnMessage(protocol.TypeOutput, func(string) {})
	require.NoError(t, err)

	// a stale handle must not remove the newer registration
	dereg()
	_, err = c.OnMessage(protocol.TypeOutput, func(string) {})
	assert.ErrorIs(t, err, ErrHandlerRegistered)
	dereg2()

	closeDereg, err := c.OnClose(func(error) {})
	require.NoError(t, err)
	_, err = c.OnClose(func(error) {})
	assert.ErrorIs(t, err, ErrHandlerRegistered)
	closeDereg()
	_, err = c.OnClose(func(error) {})
	assert.NoError(t, err)

	_, err = c.OnError(func(error) {})
	require.NoError(t, err)
	_, err = c.OnError(func(error) {})
	assert.ErrorIs(t, err, ErrHandlerRegistered)
}

func TestDeregisteredHandlerStopsDelivery(t *testing.T) {
	ts, _ := newTestServer(t, Options{}, echoSetup(t))
	c := dial(t, ts)
	defer c.Close()

	first := make(chan string, 4)
	dereg, err := c.OnMessage(protocol.TypeOutput, func(p string) { first <- p })
	require.NoError(t, err)
	go c.Run(context.Background())

	require.NoError(t, c.Send(protocol.Command("a")))
	assert.Equal(t, "a", receive(t, first))

	dereg()
	second := make(chan string, 4)
	_, err = c.OnMessage(protocol.TypeOutput, func(p string) { second <- p })
	require.NoError(t, err)

	require.NoError(t, c.Send(protocol.Command("b")))
	assert.Equal(t, "b", receive(t, second))
	assert.Empty(t, first)
}

func TestMalformedFrameIsReported(t *testing.T) {
	errs := make(chan error, 1)
	ts, _ := newTestServer(t, Options{}, func(c *Connection) {
		_, _ = c.OnError(func(err error) {
			select {
			case errs <- err:
			default:
			}
		})
		_, _ = c.OnMessage(protocol.TypeCommand, func(p string) {
			_ = c.Send(protocol.Output(p))
		})
	})

	wsURL, err := EndpointURL(ts.URL)
	require.NoError(t, err)
	raw, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("malformed frame not reported")
	}

	// the connection survives
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","payload":"still here"}`)))
	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := raw.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"output","payload":"still here"}`, string(data))
}

func TestTransportFailure(t *testing.T) {
	ts, side := newTestServer(t, Options{}, nil)
	c := dial(t, ts)

	closed := make(chan error, 1)
	_, err := c.OnClose(func(err error) { closed <- err })
	require.NoError(t, err)
	go c.Run(context.Background())

	server := <-side.conns
	// drop the TCP connection without a close frame
	require.NoError(t, server.ws.UnderlyingConn().Close())

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrTransportFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice transport failure")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send(protocol.Command("x")), ErrConnectionClosed)
}

func TestReadLimitExceeded(t *testing.T) {
	ts, side := newTestServer(t, Options{ReadLimit: 64}, nil)
	c := dial(t, ts)
	defer c.Close()
	go c.Run(context.Background())

	require.NoError(t, c.Send(protocol.Command(strings.Repeat("x", 1024))))

	select {
	case err := <-side.closed:
		assert.ErrorIs(t, err, ErrTransportFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not reject oversized frame")
	}
}

func TestNoReadLimit(t *testing.T) {
	ts, _ := newTestServer(t, Options{ReadLimit: NoReadLimit}, echoSetup(t))
	c, err := Dial(context.Background(), ts.URL, Options{ReadLimit: NoReadLimit, Logger: nopLogger()})
	require.NoError(t, err)
	defer c.Close()

	got := make(chan string, 1)
	_, err = c.OnMessage(protocol.TypeOutput, func(p string) { got <- p })
	require.NoError(t, err)
	go c.Run(context.Background())

	big := strings.Repeat("y", 2*DefaultReadLimit)
	require.NoError(t, c.Send(protocol.Command(big)))
	assert.Equal(t, big, receive(t, got))
	assert.Equal(t, StateConnected, c.State())
}

func TestKeepalive(t *testing.T) {
	ts, side := newTestServer(t, Options{PingInterval: 100 * time.Millisecond}, nil)
	c := dial(t, ts)
	defer c.Close()
	go c.Run(context.Background())

	// the client answers pings from its read loop, so the server keeps the connection
	time.Sleep(600 * time.Millisecond)
	select {
	case err := <-side.closed:
		t.Fatalf("server closed a live connection: %v", err)
	default:
	}
	assert.Equal(t, StateConnected, c.State())
}

func TestKeepaliveDetectsSilentPeer(t *testing.T) {
	ts, side := newTestServer(t, Options{PingInterval: 50 * time.Millisecond}, nil)
	// a client that never reads never answers pings
	c := dial(t, ts)
	defer c.Close()

	select {
	case err := <-side.closed:
		assert.ErrorIs(t, err, ErrTransportFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not time out a silent peer")
	}
}

func TestDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := Dial(context.Background(), ts.URL, Options{Logger: nopLogger()})
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:5000", "ws://localhost:5000/ws", false},
		{"http://localhost:5000/", "ws://localhost:5000/ws", false},
		{"https://relay.example.com/base", "wss://relay.example.com/base/ws", false},
		{"ws://127.0.0.1:5000/ws", "ws://127.0.0.1:5000/ws", false},
		{"wss://relay.example.com", "wss://relay.example.com/ws", false},
		{"ftp://relay.example.com", "", true},
		{"localhost:5000", "", true},
		{"http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := EndpointURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "State(7)", State(7).String())
}
