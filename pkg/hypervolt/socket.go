package hypervolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voltsync/voltsync/pkg/common"
	"github.com/voltsync/voltsync/pkg/log"
)

const (
	// Backoff between reconnection attempts starts at a random value in
	// [initialBackoffMin, initialBackoffMax] seconds and grows by
	// backoffFactor up to maxBackoffSecs.
	initialBackoffMin = 3
	initialBackoffMax = 12
	maxBackoffSecs    = 300
	backoffFactor     = 1.7

	// After this many processed messages in one connection the backoff is
	// reset. Bare connection success is not enough, some failure modes
	// connect fine and die immediately.
	healthyMessageCount = 3

	socketOrigin        = "https://hypervolt.co.uk"
	socketHost          = "api.hypervolt.co.uk"
	handshakeTimeout    = 30 * time.Second
	socketWriteDeadline = 10 * time.Second
)

// SocketSession owns one logical WebSocket connection. The supervisor
// attaches and detaches the underlying conn; senders go through Send, which
// tolerates there being no connection at the moment.
type SocketSession struct {
	name  string
	codec *MessageCodec

	mu   sync.Mutex
	conn *websocket.Conn

	// lastActivity is the unix-nano timestamp of the most recent inbound
	// frame, used for staleness detection. Shared with the coordinator.
	lastActivity *atomic.Int64
}

// NewSocketSession returns a session named for logs. lastActivity may be
// shared between multiple sessions so staleness covers either socket.
func NewSocketSession(name string, codec *MessageCodec, lastActivity *atomic.Int64) *SocketSession {
	if lastActivity == nil {
		lastActivity = &atomic.Int64{}
	}
	return &SocketSession{
		name:         name,
		codec:        codec,
		lastActivity: lastActivity,
	}
}

func (s *SocketSession) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.markActivity()
}

func (s *SocketSession) detach() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// Connected reports whether a socket is currently attached.
func (s *SocketSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *SocketSession) markActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the session last saw an inbound frame, or the
// zero time if it never has.
func (s *SocketSession) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Send encodes and transmits one command frame. Sending without a connected
// socket is an error condition but must not block or crash the caller.
func (s *SocketSession) Send(ctx context.Context, method string, params any) error {
	raw, err := s.codec.Encode(method, params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		log.Ctx(ctx).ErrorContext(ctx, "cannot send, socket not connected",
			slog.String("socket", s.name), slog.String("method", method))
		return fmt.Errorf("socket %s not connected, dropped %s", s.name, method)
	}

	log.Ctx(ctx).DebugContext(ctx, "sending frame",
		slog.String("socket", s.name), slog.String("frame", redactFrame(raw)))

	s.conn.SetWriteDeadline(time.Now().Add(socketWriteDeadline))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	return nil
}

// SupervisorConfig wires one ReconnectSupervisor.
type SupervisorConfig struct {
	URL     string
	Session *SocketSession
	Tokens  *TokenManager

	// SetHandshakeHeaders controls whether the production origin and host
	// headers are attached; test servers reject them.
	SetHandshakeHeaders bool

	// OnConnected runs after the socket is attached, before the first read.
	// The sync socket sends the protocol login frame here.
	OnConnected func(ctx context.Context) error

	// OnMessage is called for every inbound frame, in arrival order.
	OnMessage func(ctx context.Context, raw []byte)

	// OnClosed runs after the conn handle is cleared, once per connection.
	OnClosed func()

	// OnReconnectAttempt is called before every dial, for metrics.
	OnReconnectAttempt func()
}

// ReconnectSupervisor wraps a SocketSession in an infinite reconnect loop
// with exponential backoff. The loop exits on context cancellation, on the
// shared unload flag, or on an authentication failure during re-login.
type ReconnectSupervisor struct {
	cfg    SupervisorConfig
	unload *atomic.Bool
}

// NewReconnectSupervisor returns a supervisor sharing the coordinator's
// unload flag. The flag is checked both before connecting and per message
// because cancellation does not reliably interrupt a blocking read.
func NewReconnectSupervisor(cfg SupervisorConfig, unload *atomic.Bool) *ReconnectSupervisor {
	if unload == nil {
		unload = &atomic.Bool{}
	}
	return &ReconnectSupervisor{cfg: cfg, unload: unload}
}

func initialBackoffSecs() int {
	return initialBackoffMin + rand.Intn(initialBackoffMax-initialBackoffMin+1)
}

func increaseBackoffSecs(secs int) int {
	next := int(float64(secs) * backoffFactor)
	if next > maxBackoffSecs {
		next = maxBackoffSecs
	}
	return next
}

// nextBackoffSecs picks the delay before the next dial. A healthy connection
// discards however far the backoff had grown and re-seeds it from the
// initial range.
func nextBackoffSecs(secs int, healthy bool) int {
	if healthy {
		return initialBackoffSecs()
	}
	return secs
}

// Run blocks until cancelled. Every connection attempt dials, runs the
// on-connected hook, and reads frames until closure; closures of any kind
// sleep the current backoff, grow it, re-authenticate, and retry.
func (r *ReconnectSupervisor) Run(ctx context.Context) error {
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("socket", r.cfg.Session.name)))
	log.Ctx(ctx).DebugContext(ctx, "supervisor enter")
	defer log.Ctx(ctx).DebugContext(ctx, "supervisor exit")

	backoff := initialBackoffSecs()
	for {
		if ctx.Err() != nil || r.unload.Load() {
			return ctx.Err()
		}

		connID := uuid.NewString()[:8]
		cctx := log.With(ctx, log.Ctx(ctx).With(slog.String("connID", connID)))

		if r.cfg.OnReconnectAttempt != nil {
			r.cfg.OnReconnectAttempt()
		}
		healthy, err := r.runOnce(cctx)
		backoff = nextBackoffSecs(backoff, healthy)

		if r.cfg.OnClosed != nil {
			r.cfg.OnClosed()
		}
		if ctx.Err() != nil || r.unload.Load() {
			return ctx.Err()
		}
		if err != nil {
			log.Ctx(cctx).WarnContext(cctx, "connection ended", slog.Any("error", err))
		} else {
			// Iterator exited cleanly: server closed the socket, which we
			// also see when the access token expires.
			log.Ctx(cctx).InfoContext(cctx, "socket closed")
		}

		log.Ctx(cctx).DebugContext(cctx, "backing off before reconnection attempt",
			slog.Int("seconds", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(backoff) * time.Second):
		}
		backoff = increaseBackoffSecs(backoff)

		// A fresh token for the retry. A transient failure just lets the
		// next attempt fail and back off further, but rejected credentials
		// are terminal for this supervisor.
		if err := r.cfg.Tokens.LoginOrRefresh(ctx); err != nil {
			if errors.Is(err, ErrInvalidAuth) {
				return err
			}
			log.Ctx(cctx).WarnContext(cctx, "re-login before reconnect failed", slog.Any("error", err))
		}
	}
}

// runOnce performs a single connect-read-close cycle. A nil error means the
// server closed the socket normally. healthy reports whether enough
// messages were processed that the caller should reset its backoff.
func (r *ReconnectSupervisor) runOnce(ctx context.Context) (healthy bool, _ error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	header := http.Header{}
	header.Set("User-Agent", common.UserAgent())
	if r.cfg.SetHandshakeHeaders {
		header.Set("Origin", socketOrigin)
		header.Set("Host", socketHost)
	}

	conn, _, err := dialer.DialContext(ctx, r.cfg.URL, header)
	if err != nil {
		return false, err
	}
	log.Ctx(ctx).InfoContext(ctx, "connected")

	// Cancellation between entering the loop and the dial completing does
	// not surface through the dial itself, so re-check before using the
	// connection.
	if r.unload.Load() {
		conn.Close()
		return false, nil
	}

	r.cfg.Session.attach(conn)
	defer r.cfg.Session.detach()

	// Unblock the blocking read when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if r.cfg.OnConnected != nil {
		if err := r.cfg.OnConnected(ctx); err != nil {
			return healthy, err
		}
	}

	msgCount := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return healthy, nil
			}
			return healthy, err
		}
		r.cfg.Session.markActivity()

		if r.unload.Load() {
			return healthy, nil
		}

		log.Ctx(ctx).DebugContext(ctx, "recv frame", slog.String("frame", string(raw)))
		if r.cfg.OnMessage != nil {
			r.cfg.OnMessage(ctx, raw)
		}

		msgCount++
		if msgCount > healthyMessageCount {
			// The connection is clearly healthy.
			healthy = true
		}
	}
}
