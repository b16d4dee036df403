package hypervolt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	t.Run("initial backoff within range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			b := initialBackoffSecs()
			assert.GreaterOrEqual(t, b, initialBackoffMin)
			assert.LessOrEqual(t, b, initialBackoffMax)
		}
	})

	t.Run("growth and cap", func(t *testing.T) {
		assert.Equal(t, 5, increaseBackoffSecs(3))
		assert.Equal(t, 20, increaseBackoffSecs(12))
		assert.Equal(t, maxBackoffSecs, increaseBackoffSecs(200))
		assert.Equal(t, maxBackoffSecs, increaseBackoffSecs(maxBackoffSecs))
	})

	t.Run("healthy connection resets grown backoff", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			b := nextBackoffSecs(maxBackoffSecs, true)
			assert.GreaterOrEqual(t, b, initialBackoffMin)
			assert.LessOrEqual(t, b, initialBackoffMax)
		}
	})

	t.Run("unhealthy connection keeps grown backoff", func(t *testing.T) {
		assert.Equal(t, 200, nextBackoffSecs(200, false))
	})
}

func TestReconnectSupervisorHealthyConnection(t *testing.T) {
	// serve n frames, then close the socket normally
	serveFrames := func(n int) string {
		return wsTestServer(t, func(conn *websocket.Conn) {
			for i := 0; i < n; i++ {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"sync.apply","params":[{"brightness":0.5}]}`))
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.ReadMessage()
		})
	}

	run := func(t *testing.T, url string) bool {
		t.Helper()
		sup := NewReconnectSupervisor(SupervisorConfig{
			URL:     url,
			Session: NewSocketSession("sync", NewMessageCodec(), nil),
		}, nil)
		healthy, err := sup.runOnce(context.Background())
		require.NoError(t, err)
		return healthy
	}

	t.Run("more than threshold marks healthy", func(t *testing.T) {
		assert.True(t, run(t, serveFrames(healthyMessageCount+1)))
	})

	t.Run("threshold or fewer does not", func(t *testing.T) {
		assert.False(t, run(t, serveFrames(healthyMessageCount)))
	})
}

func TestSocketSessionSendNotConnected(t *testing.T) {
	s := NewSocketSession("test", NewMessageCodec(), nil)
	assert.False(t, s.Connected())

	err := s.Send(context.Background(), "sync.snapshot", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSocketSessionLastActivity(t *testing.T) {
	s := NewSocketSession("test", NewMessageCodec(), nil)
	assert.True(t, s.LastActivity().IsZero())

	s.markActivity()
	assert.WithinDuration(t, time.Now(), s.LastActivity(), time.Second)
}

// wsTestServer upgrades every request and hands the conn to fn.
func wsTestServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReconnectSupervisorRun(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		// reply to the login frame, then push a snapshot
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(raw, &f); err != nil || f.Method != "login" {
			return
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      f.ID,
			"result":  map[string]any{"authenticated": true},
		})
		conn.WriteMessage(websocket.TextMessage, resp)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"sync.apply","params":[{"brightness":0.5}]}`))
		// hold the conn open until the client goes away
		conn.ReadMessage()
	})

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokens(w, "test-token", "test-refresh", 300)
	}))
	t.Cleanup(auth.Close)
	tm := NewTokenManager(auth.Client(), auth.URL, "user@example.com", "hunter2")
	require.NoError(t, tm.Login(context.Background()))

	session := NewSocketSession("sync", NewMessageCodec(), nil)
	var received atomic.Int64
	var connected atomic.Bool

	sup := NewReconnectSupervisor(SupervisorConfig{
		URL:     url,
		Session: session,
		Tokens:  tm,
		OnConnected: func(ctx context.Context) error {
			connected.Store(true)
			return session.Send(ctx, "login", map[string]any{"token": tm.AccessToken(), "version": 3})
		},
		OnMessage: func(ctx context.Context, raw []byte) {
			received.Add(1)
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return received.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, connected.Load())
	assert.True(t, session.Connected())
	assert.False(t, session.LastActivity().IsZero())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit after cancellation")
	}
	assert.False(t, session.Connected())
}

func TestReconnectSupervisorUnload(t *testing.T) {
	url := wsTestServer(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
	})

	tm := NewTokenManager(http.DefaultClient, "http://invalid.invalid", "u", "p")
	session := NewSocketSession("sync", NewMessageCodec(), nil)

	unload := &atomic.Bool{}
	unload.Store(true)
	sup := NewReconnectSupervisor(SupervisorConfig{
		URL:     url,
		Session: session,
		Tokens:  tm,
	}, unload)

	// with the unload flag already set the loop must exit before dialing
	err := sup.Run(context.Background())
	assert.NoError(t, err)
	assert.False(t, session.Connected())
}
