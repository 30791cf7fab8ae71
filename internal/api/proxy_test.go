package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

// startEchoBackend runs a websocket server that echoes every data frame and
// returns its port.
func startEchoBackend(t *testing.T) int {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

type slaveFixture struct {
	server *httptest.Server
	store  registry.Store
}

func newSlaveFixture(t *testing.T, rendererPort, backendPort int) *slaveFixture {
	t.Helper()

	store, err := registry.Open(context.Background(), registry.Options{
		Backend:    registry.BackendSQLite,
		SQLitePath: ":memory:",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	handler := NewSlaveRouter(SlaveConfig{
		Store:        store,
		RendererPort: rendererPort,
		BackendPort:  backendPort,
		Metrics:      metrics.NewProxy(prometheus.NewRegistry()),
		Logger:       zap.NewNop(),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &slaveFixture{server: srv, store: store}
}

func (f *slaveFixture) insertJob(t *testing.T, id, host string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.Insert(context.Background(), registry.Job{
		ID:        id,
		User:      registry.SandboxUser,
		StartTime: now,
		EndTime:   now.Add(time.Hour),
		Host:      host,
	}))
}

func (f *slaveFixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + path
}

func TestProxyRelaysFrames(t *testing.T) {
	port := startEchoBackend(t)
	f := newSlaveFixture(t, port, port)
	f.insertJob(t, "job-1", "127.0.0.1")

	client, _, err := websocket.DefaultDialer.Dial(f.wsURL("/job-1/renderer"), nil)
	require.NoError(t, err)
	defer client.Close()

	// Binary frames come back byte-identical and still binary.
	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, payload))

	messageType, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, payload, echoed)

	// Text frames stay text.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))

	messageType, echoed, err = client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.Equal(t, "hello", string(echoed))
}

func TestProxyRelaysControlFrames(t *testing.T) {
	pings := make(chan string, 1)

	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Record relayed pings and answer them, so the pong travels the
		// reverse path through the proxy.
		conn.SetPingHandler(func(data string) error {
			pings <- data
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, payload); err != nil {
				return
			}
		}
	}))
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	f := newSlaveFixture(t, port, port)
	f.insertJob(t, "job-1", "127.0.0.1")

	client, _, err := websocket.DefaultDialer.Dial(f.wsURL("/job-1/renderer"), nil)
	require.NoError(t, err)
	defer client.Close()

	pongs := make(chan string, 1)
	client.SetPongHandler(func(data string) error {
		pongs <- data
		return nil
	})

	require.NoError(t, client.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second)))

	// Frames are ordered per connection, so by the time the echo of the
	// following text frame arrives the ping has reached the backend and its
	// pong has been processed by the client's read.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("after")))
	_, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "after", string(echoed))

	select {
	case data := <-pings:
		assert.Equal(t, "keepalive", data)
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the relayed ping")
	}

	select {
	case data := <-pongs:
		assert.Equal(t, "keepalive", data)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the relayed pong")
	}
}

func TestProxyServesBackendService(t *testing.T) {
	port := startEchoBackend(t)
	// The renderer port points nowhere; only the backend service resolves.
	f := newSlaveFixture(t, 1, port)
	f.insertJob(t, "job-1", "127.0.0.1")

	client, _, err := websocket.DefaultDialer.Dial(f.wsURL("/job-1/backend"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, echoed, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))
}

func TestProxyUnknownJob(t *testing.T) {
	f := newSlaveFixture(t, 1, 1)

	resp, err := http.Get(f.server.URL + "/nope/renderer")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyJobWithoutHost(t *testing.T) {
	f := newSlaveFixture(t, 1, 1)
	f.insertJob(t, "job-1", "")

	resp, err := http.Get(f.server.URL + "/job-1/renderer")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyUnknownService(t *testing.T) {
	f := newSlaveFixture(t, 1, 1)
	f.insertJob(t, "job-1", "127.0.0.1")

	resp, err := http.Get(f.server.URL + "/job-1/shell")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxyBackendUnreachable(t *testing.T) {
	// Port 1 is never listening; the upgrade succeeds but the relay closes
	// immediately with a going-away frame.
	f := newSlaveFixture(t, 1, 1)
	f.insertJob(t, "job-1", "127.0.0.1")

	client, _, err := websocket.DefaultDialer.Dial(f.wsURL("/job-1/renderer"), nil)
	require.NoError(t, err)
	defer client.Close()

	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
