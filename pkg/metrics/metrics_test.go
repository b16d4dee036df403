package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHooks(t *testing.T) {
	m := New()
	hooks := m.Hooks("123")

	hooks.FrameReceived("snapshot")
	hooks.FrameReceived("snapshot")
	hooks.FrameReceived("session")
	hooks.ReconnectAttempt("sync")
	hooks.StaleReload()
	hooks.TokenRefresh()
	hooks.SocketConnected("sync", true)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `voltsync_frames_received_total{charger="123",kind="snapshot"} 2`)
	assert.Contains(t, out, `voltsync_frames_received_total{charger="123",kind="session"} 1`)
	assert.Contains(t, out, `voltsync_reconnect_attempts_total{charger="123",socket="sync"} 1`)
	assert.Contains(t, out, `voltsync_stale_reloads_total{charger="123"} 1`)
	assert.Contains(t, out, `voltsync_token_refreshes_total{charger="123"} 1`)
	assert.Contains(t, out, `voltsync_socket_connected{charger="123",socket="sync"} 1`)

	hooks.SocketConnected("sync", false)
	resp, err = srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `voltsync_socket_connected{charger="123",socket="sync"} 0`)
}

func TestMetricsIsolatedRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New()
	b := New()
	a.Hooks("1").StaleReload()
	assert.NotNil(t, b)
}
