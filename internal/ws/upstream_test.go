package ws

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teddyo/teddyvoice/internal/session"
)

// upstreamServer stands in for the cloud synthesis socket: every accepted
// connection and its xi-api-key header land on channels for the test to
// inspect.
type upstreamServer struct {
	url   string
	conns chan *websocket.Conn
	keys  chan string
}

func startUpstreamServer(t *testing.T) *upstreamServer {
	t.Helper()

	s := &upstreamServer{conns: make(chan *websocket.Conn, 4), keys: make(chan string, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.keys <- r.Header.Get("xi-api-key")
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
	}))
	t.Cleanup(srv.Close)

	s.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return s
}

func (s *upstreamServer) accepted(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream connection arrived")
		return nil
	}
}

func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func TestUpstreamConnectSendsConfigurationFrame(t *testing.T) {
	us := startUpstreamServer(t)
	u := NewUpstream(UpstreamConfig{URL: us.url, APIKey: "test-key"},
		NewManager(session.NewRegistry(10), nil), nil)
	t.Cleanup(u.Close)

	require.NoError(t, u.Connect(context.Background()))
	assert.Equal(t, "test-key", <-us.keys)

	server := us.accepted(t)
	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	var boot map[string]any
	require.NoError(t, server.ReadJSON(&boot))
	assert.Equal(t, " ", boot["text"])
	assert.Equal(t, "test-key", boot["xi_api_key"])
	settings, ok := boot["voice_settings"].(map[string]any)
	require.True(t, ok, "voice_settings missing from the opening frame")
	assert.Equal(t, 0.5, settings["stability"])
	assert.Equal(t, 0.8, settings["similarity_boost"])
}

func TestUpstreamForwardsAudioToClients(t *testing.T) {
	reg := session.NewRegistry(10)
	m := NewManager(reg, nil)
	clientURL := startTestServer(t, m, func(*session.Session, []byte) {})
	client := dial(t, clientURL)
	readFrame(t, client) // welcome
	require.Eventually(t, func() bool { return m.ActiveCount() == 1 }, time.Second, 10*time.Millisecond)

	us := startUpstreamServer(t)
	u := NewUpstream(UpstreamConfig{URL: us.url, APIKey: "test-key"}, m, nil)
	t.Cleanup(u.Close)
	require.NoError(t, u.Connect(context.Background()))

	server := us.accepted(t)
	var boot map[string]any
	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, server.ReadJSON(&boot))

	// Binary frames pass straight through to every connected client.
	require.NoError(t, server.WriteMessage(websocket.BinaryMessage, []byte("pcm-one")))
	assert.Equal(t, []byte("pcm-one"), readBinary(t, client))

	// JSON audio payloads are base64-decoded before forwarding.
	payload := base64.StdEncoding.EncodeToString([]byte("pcm-two"))
	require.NoError(t, server.WriteJSON(map[string]string{"audio": payload}))
	assert.Equal(t, []byte("pcm-two"), readBinary(t, client))
}

func TestUpstreamReconnectsAfterUnexpectedClose(t *testing.T) {
	us := startUpstreamServer(t)
	u := NewUpstream(UpstreamConfig{URL: us.url, APIKey: "test-key", BaseDelay: 5 * time.Millisecond},
		NewManager(session.NewRegistry(10), nil), nil)
	t.Cleanup(u.Close)

	require.NoError(t, u.Connect(context.Background()))
	first := us.accepted(t)
	_ = first.Close()

	// The listener notices the dropped socket and redials on its own.
	us.accepted(t)
}

func TestUpstreamCloseStopsReconnectLoop(t *testing.T) {
	// Nothing listens on this port, so every dial fails and the loop would
	// otherwise grind through all thousand attempts.
	u := NewUpstream(UpstreamConfig{
		URL:         "ws://127.0.0.1:1/",
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 1000,
	}, NewManager(session.NewRegistry(10), nil), nil)

	done := make(chan struct{})
	go func() {
		u.reconnectWithBackoff(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	u.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect loop kept running after Close")
	}
	u.mu.Lock()
	attempts := u.attempts
	u.mu.Unlock()
	assert.Less(t, attempts, 1000)
}

func TestUpstreamConnectAfterCloseStaysDown(t *testing.T) {
	us := startUpstreamServer(t)
	u := NewUpstream(UpstreamConfig{URL: us.url, APIKey: "test-key"},
		NewManager(session.NewRegistry(10), nil), nil)
	u.Close()

	require.Error(t, u.Connect(context.Background()))
	require.Error(t, u.SendText("مرحبا"))
}

func TestBackoffDelayDoublesPerAttempt(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, 1*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, 16*time.Second, backoffDelay(base, max, 5))
}

func TestBackoffDelayIsCapped(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, max, backoffDelay(base, max, 6))  // 32s uncapped
	assert.Equal(t, max, backoffDelay(base, max, 20)) // far past the cap
}

func TestBackoffDelayClampsBadAttempt(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, time.Minute, 0))
	assert.Equal(t, time.Second, backoffDelay(time.Second, time.Minute, -3))
}
