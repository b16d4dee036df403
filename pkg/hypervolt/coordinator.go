package hypervolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voltsync/voltsync/pkg/common"
	"github.com/voltsync/voltsync/pkg/log"
)

// DefaultWSURL is the production WebSocket endpoint base.
const DefaultWSURL = "wss://api.hypervolt.co.uk"

const (
	defaultPollInterval = 5 * time.Minute

	// A v3 charger pushes frequently, so a connected socket with no
	// activity for this long is treated as silently dead. Kept slightly
	// under the poll interval since the check only happens while polling.
	defaultStalenessThreshold = 4 * time.Minute

	// After a stale-triggered reload, wait this long before another, so a
	// backend that has stopped sending data is not hammered.
	defaultStaleReloadCooldown = 50 * time.Minute

	defaultCycleTimeout = 30 * time.Second
	defaultHTTPTimeout  = time.Minute
)

// Hooks are optional observability callbacks invoked from the connection
// and update paths. All fields may be nil.
type Hooks struct {
	FrameReceived    func(kind string)
	ReconnectAttempt func(socket string)
	SocketConnected  func(socket string, connected bool)
	StaleReload      func()
	TokenRefresh     func()
}

func (h Hooks) frameReceived(kind string) {
	if h.FrameReceived != nil {
		h.FrameReceived(kind)
	}
}

func (h Hooks) reconnectAttempt(socket string) {
	if h.ReconnectAttempt != nil {
		h.ReconnectAttempt(socket)
	}
}

func (h Hooks) socketConnected(socket string, connected bool) {
	if h.SocketConnected != nil {
		h.SocketConnected(socket, connected)
	}
}

// CoordinatorConfig wires one Coordinator. Zero values select production
// endpoints and default timings.
type CoordinatorConfig struct {
	Username  string
	Password  string
	ChargerID string

	AuthURL string
	APIURL  string
	WSURL   string

	PollInterval        time.Duration
	StalenessThreshold  time.Duration
	StaleReloadCooldown time.Duration
	CycleTimeout        time.Duration
	HTTPTimeout         time.Duration

	// EffectsDir holds drop-in LED effect JSON files. Optional.
	EffectsDir string

	// SetHandshakeHeaders attaches the production origin/host headers on
	// websocket dials. Disabled in tests.
	SetHandshakeHeaders bool

	// ReloadHook is the nuclear option for a stale socket: tear everything
	// down and rebuild, rather than attempting a targeted fix. Invoked
	// asynchronously; the triggering refresh returns last-known state
	// immediately. Optional.
	ReloadHook func()

	Hooks Hooks
}

func (cfg *CoordinatorConfig) fillDefaults() {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = defaultStalenessThreshold
	}
	if cfg.StaleReloadCooldown == 0 {
		cfg.StaleReloadCooldown = defaultStaleReloadCooldown
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
}

// Coordinator orchestrates the whole session: when to authenticate, when to
// (re)start socket supervisors, when to poll REST for v2 chargers, when to
// react to staleness, and publishing state snapshots to subscribers. It
// exclusively owns the DeviceState; codec projections and optimistic
// command updates both run under its lock.
type Coordinator struct {
	cfg    CoordinatorConfig
	tokens *TokenManager
	client *Client
	codec  *MessageCodec

	syncSession       *SocketSession
	inProgressSession *SocketSession
	lastActivity      atomic.Int64

	effects map[string]LEDEffect

	// baseCtx outlives individual refresh cycles and parents the socket
	// supervisors. Cancelled on unload.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	unloadFlag atomic.Bool
	refreshing atomic.Bool

	// rebuildMu serializes every stop-then-start supervisor sequence so two
	// rebuilds can never interleave and orphan a supervisor generation.
	rebuildMu sync.Mutex

	mu              sync.Mutex
	state           *DeviceState
	httpClient      *http.Client
	supCancel       context.CancelFunc
	supWG           *sync.WaitGroup
	lastStaleReload time.Time
	subscribers     map[int]func(*DeviceState)
	nextSubID       int

	resetPoll chan struct{}
	forceCh   chan struct{}
}

// NewCoordinator builds a Coordinator with its own token manager, REST
// client, and HTTP client. Nothing connects until the first refresh.
func NewCoordinator(ctx context.Context, cfg CoordinatorConfig) *Coordinator {
	cfg.fillDefaults()

	httpClient := common.HTTPClient(cfg.HTTPTimeout)
	tokens := NewTokenManager(httpClient, cfg.AuthURL, cfg.Username, cfg.Password)
	codec := NewMessageCodec()

	c := &Coordinator{
		cfg:         cfg,
		tokens:      tokens,
		client:      NewClient(httpClient, cfg.APIURL, tokens),
		codec:       codec,
		state:       NewDeviceState(cfg.ChargerID),
		httpClient:  httpClient,
		subscribers: make(map[int]func(*DeviceState)),
		resetPoll:   make(chan struct{}, 1),
		forceCh:     make(chan struct{}, 1),
	}
	c.baseCtx, c.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.syncSession = NewSocketSession("sync", codec, &c.lastActivity)
	c.inProgressSession = NewSocketSession("inProgress", codec, &c.lastActivity)

	if cfg.EffectsDir != "" {
		c.effects = LoadLEDEffects(ctx, cfg.EffectsDir)
	} else {
		c.effects = make(map[string]LEDEffect)
	}
	return c
}

// State returns a deep-copy snapshot of the current device state.
func (c *Coordinator) State() *DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// MajorVersion is the hardware generation of the configured charger.
func (c *Coordinator) MajorVersion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.MajorVersion
}

// LastActivity is when any socket last saw an inbound frame, or the zero
// time before the first frame. Exposed for observability.
func (c *Coordinator) LastActivity() time.Time {
	return c.syncSession.LastActivity()
}

// LEDEffects lists the loaded drop-in effect definitions by label.
func (c *Coordinator) LEDEffects() map[string]LEDEffect {
	out := make(map[string]LEDEffect, len(c.effects))
	for k, v := range c.effects {
		out[k] = v
	}
	return out
}

// Subscribe registers fn to receive a state snapshot on every update. The
// returned function removes the subscription.
func (c *Coordinator) Subscribe(fn func(*DeviceState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// publish snapshots state to every subscriber. Only an inbound frame also
// resets the poll timer and clears the stale-reload cooldown: an optimistic
// command write says nothing about data flowing from the charger, and on v2
// it must not starve the schedule poll.
func (c *Coordinator) publish(ctx context.Context, inbound bool) {
	c.mu.Lock()
	if inbound {
		c.lastStaleReload = time.Time{}
	}
	snap := c.state.Clone()
	subs := make([]func(*DeviceState), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}

	if !inbound {
		return
	}

	select {
	case c.resetPoll <- struct{}{}:
	default:
	}

	// A push is also a cheap opportunity to notice the token nearing
	// expiry, since a healthy v3 charger may rarely if ever poll.
	if c.tokens.ExpiringWithin(c.cfg.PollInterval*3/2) && c.refreshing.CompareAndSwap(false, true) {
		go func() {
			defer c.refreshing.Store(false)
			if err := c.refreshTokenAndRebuildSockets(c.baseCtx); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "background token refresh failed", slog.Any("error", err))
			}
		}()
	}
}

// Run drives the poll loop until ctx is cancelled. Push updates reset the
// timer, so a healthy v3 charger may rarely if ever hit it.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = log.WithCharger(ctx, c.cfg.ChargerID)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.resetPoll:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.PollInterval)
		case <-c.forceCh:
			c.runRefresh(ctx)
			timer.Reset(c.cfg.PollInterval)
		case <-timer.C:
			c.runRefresh(ctx)
			timer.Reset(c.cfg.PollInterval)
		}
	}
}

func (c *Coordinator) runRefresh(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		if errors.Is(err, ErrReauthRequired) {
			log.Ctx(ctx).ErrorContext(ctx, "refresh requires re-authentication", slog.Any("error", err))
		} else {
			log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.Any("error", err))
		}
	}
}

// ForceUpdate asks the run loop for an immediate refresh cycle.
func (c *Coordinator) ForceUpdate() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// Refresh runs one update cycle and returns the resulting snapshot. The
// cycle is bounded by the configured ceiling; a timeout surfaces as
// context.DeadlineExceeded, auth failures as ErrReauthRequired, and any
// other failure degrades to last-known state with ErrUpdateFailed. The
// returned snapshot is always usable.
func (c *Coordinator) Refresh(ctx context.Context) (*DeviceState, error) {
	ctx = log.WithCharger(ctx, c.cfg.ChargerID)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CycleTimeout)
	defer cancel()

	log.Ctx(ctx).DebugContext(ctx, "refresh enter")
	defer log.Ctx(ctx).DebugContext(ctx, "refresh exit")

	snap, handled, err := c.tryFastPath(ctx)
	// A failing fast path gets exactly one full rebuild: auth failures may
	// recover with a fresh login, connect failures with fresh sockets. A
	// cycle timeout is already terminal for this refresh.
	rebuild := !handled
	if err != nil && (errors.Is(err, ErrInvalidAuth) || errors.Is(err, ErrCannotConnect)) {
		log.Ctx(ctx).WarnContext(ctx, "fast path failed, rebuilding session", slog.Any("error", err))
		rebuild = true
	}
	if rebuild {
		snap, err = c.rebuildSessionAndRetryOnce(ctx)
	}

	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, ErrInvalidAuth):
		return c.State(), fmt.Errorf("%w: %v", ErrReauthRequired, err)
	case errors.Is(err, context.DeadlineExceeded):
		return c.State(), err
	default:
		return c.State(), fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
}

// tryFastPath services a refresh from the already-established session. It
// reports handled=false when there is no live authenticated session and the
// caller should rebuild.
func (c *Coordinator) tryFastPath(ctx context.Context) (*DeviceState, bool, error) {
	if c.tokens.AccessToken() == "" || !c.syncSession.Connected() {
		return nil, false, nil
	}

	if c.MajorVersion() >= 3 && c.socketStale() {
		if c.withinStaleCooldown() {
			log.Ctx(ctx).DebugContext(ctx, "socket appears stale, skipping reload due to cooldown")
		} else {
			log.Ctx(ctx).WarnContext(ctx, "socket connection appears stale, scheduling full reload",
				slog.Duration("threshold", c.cfg.StalenessThreshold))
			c.mu.Lock()
			c.lastStaleReload = time.Now()
			c.mu.Unlock()
			if c.cfg.Hooks.StaleReload != nil {
				c.cfg.Hooks.StaleReload()
			}
			if c.cfg.ReloadHook != nil {
				go c.cfg.ReloadHook()
			}
			// Return current data while the reload happens.
			return c.State(), true, nil
		}
	}

	// Proactively refresh the token if it expires before we would next
	// poll, so a socket reconnect is never driven by an expired token
	// alone.
	if c.tokens.ExpiringWithin(c.cfg.PollInterval * 3 / 2) {
		log.Ctx(ctx).DebugContext(ctx, "access token nearing expiry, refreshing")
		if err := c.refreshTokenAndRebuildSockets(ctx); err != nil {
			return nil, true, err
		}
	}

	// v3 gets everything via push; v2 needs the schedule polled.
	if c.MajorVersion() == 2 {
		if err := c.pollScheduleV2(ctx); err != nil {
			return nil, true, err
		}
	}
	return c.State(), true, nil
}

func (c *Coordinator) pollScheduleV2(ctx context.Context) error {
	body, err := c.client.FetchScheduleV2(ctx, c.cfg.ChargerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ApplyScheduleV2(body, c.state)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) socketStale() bool {
	last := c.syncSession.LastActivity()
	if last.IsZero() {
		return false
	}
	return time.Since(last) > c.cfg.StalenessThreshold
}

func (c *Coordinator) withinStaleCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStaleReload.IsZero() {
		return false
	}
	return time.Since(c.lastStaleReload) < c.cfg.StaleReloadCooldown
}

// refreshTokenAndRebuildSockets refreshes the access token and restarts the
// socket supervisors so they log in with the fresh token.
func (c *Coordinator) refreshTokenAndRebuildSockets(ctx context.Context) error {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	if err := c.tokens.LoginOrRefresh(ctx); err != nil {
		return err
	}
	if c.cfg.Hooks.TokenRefresh != nil {
		c.cfg.Hooks.TokenRefresh()
	}
	log.Ctx(ctx).DebugContext(ctx, "restarting sockets with new access token")
	c.stopSupervisors()
	c.startSupervisors()
	return nil
}

// rebuildSessionAndRetryOnce is the slow path: tear down whatever is
// running, replace the HTTP client, perform a full login, start fresh
// socket supervisors, and for v2 make exactly one synchronous schedule
// read. That read failing degrades to last-known state rather than failing
// the cycle.
func (c *Coordinator) rebuildSessionAndRetryOnce(ctx context.Context) (*DeviceState, error) {
	c.rebuildMu.Lock()
	defer c.rebuildMu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "no live session, rebuilding")

	c.stopSupervisors()

	c.mu.Lock()
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	// The HTTP client is replaced wholesale so no connection state is
	// shared across session generations.
	c.httpClient = common.HTTPClient(c.cfg.HTTPTimeout)
	httpClient := c.httpClient
	c.mu.Unlock()
	c.tokens.SetClient(httpClient)
	c.client.SetClient(httpClient)

	if err := c.tokens.LoginOrRefresh(ctx); err != nil {
		return nil, err
	}

	c.startSupervisors()

	if c.MajorVersion() == 2 {
		if err := c.pollScheduleV2(ctx); err != nil {
			// Report but return current state so one failed read does not
			// mark the whole cycle failed.
			log.Ctx(ctx).ErrorContext(ctx, "v2 schedule read failed", slog.Any("error", err))
			return c.State(), nil
		}
	}
	return c.State(), nil
}

// startSupervisors launches the sync supervisor and, for v2 chargers, the
// legacy session/in-progress supervisor.
func (c *Coordinator) startSupervisors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unloadFlag.Load() {
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.supCancel = cancel
	wg := &sync.WaitGroup{}
	c.supWG = wg

	syncSup := NewReconnectSupervisor(SupervisorConfig{
		URL:                 fmt.Sprintf("%s/ws/charger/%s/sync", c.cfg.WSURL, c.cfg.ChargerID),
		Session:             c.syncSession,
		Tokens:              c.tokens,
		SetHandshakeHeaders: c.cfg.SetHandshakeHeaders,
		OnConnected:         c.sendSocketLogin,
		OnMessage:           c.handleSyncFrame,
		OnClosed: func() {
			c.syncSession.detach()
			c.cfg.Hooks.socketConnected("sync", false)
		},
		OnReconnectAttempt: func() { c.cfg.Hooks.reconnectAttempt("sync") },
	}, &c.unloadFlag)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := log.WithCharger(ctx, c.cfg.ChargerID)
		if err := syncSup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Ctx(ctx).WarnContext(ctx, "sync supervisor exited", slog.Any("error", err))
		}
	}()

	if c.state.MajorVersion == 2 {
		inProgressSup := NewReconnectSupervisor(SupervisorConfig{
			URL:                 fmt.Sprintf("%s/ws/charger/%s/session/in-progress", c.cfg.WSURL, c.cfg.ChargerID),
			Session:             c.inProgressSession,
			Tokens:              c.tokens,
			SetHandshakeHeaders: c.cfg.SetHandshakeHeaders,
			OnConnected: func(context.Context) error {
				c.cfg.Hooks.socketConnected("inProgress", true)
				return nil
			},
			OnMessage: c.handleInProgressFrame,
			OnClosed: func() {
				c.inProgressSession.detach()
				c.cfg.Hooks.socketConnected("inProgress", false)
			},
			OnReconnectAttempt: func() { c.cfg.Hooks.reconnectAttempt("inProgress") },
		}, &c.unloadFlag)

		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := log.WithCharger(ctx, c.cfg.ChargerID)
			if err := inProgressSup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).WarnContext(ctx, "in-progress supervisor exited", slog.Any("error", err))
			}
		}()
	}
}

func (c *Coordinator) stopSupervisors() {
	c.mu.Lock()
	cancel := c.supCancel
	wg := c.supWG
	c.supCancel = nil
	c.supWG = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
}

// sendSocketLogin performs the protocol-level login over a fresh sync
// socket.
func (c *Coordinator) sendSocketLogin(ctx context.Context) error {
	c.cfg.Hooks.socketConnected("sync", true)
	return c.syncSession.Send(ctx, "login", map[string]any{
		"token":   c.tokens.AccessToken(),
		"version": 3,
	})
}

// handleSyncFrame classifies and applies one frame from the sync socket.
// Frames are processed strictly in arrival order; failures are logged and
// never tear down the connection.
func (c *Coordinator) handleSyncFrame(ctx context.Context, raw []byte) {
	cm, err := c.codec.Classify(raw)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "dropping undecodable frame", slog.Any("error", err))
		return
	}
	c.cfg.Hooks.frameReceived(cm.kind.String())

	switch cm.kind {
	case kindLogin:
		if err := applyLogin(cm.payload); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "socket login failed", slog.Any("error", err))
			c.tokens.Invalidate()
			return
		}
		c.sendPostLoginRequests(ctx)

	case kindSnapshot:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applySnapshot(ctx, cm.payload, state)
		})

	case kindSession:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applySession(cm.payload, state, time.Now())
		})

	case kindSchedule:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applySchedule(ctx, cm.payload, state)
		})

	case kindPilotStatus:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applyPilotStatus(cm.payload, state)
		})

	case kindFirmwareVersion:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applyStringResult(cm.payload, &state.FirmwareVersion)
		})

	case kindChargerName:
		c.applyAndPublish(ctx, func(state *DeviceState) error {
			return applyStringResult(cm.payload, &state.ChargerName)
		})

	case kindError:
		// Already handled here, so a warning rather than an error.
		log.Ctx(ctx).WarnContext(ctx, "error frame from socket", slog.String("error", string(cm.payload)))

	default:
		log.Ctx(ctx).DebugContext(ctx, "ignoring frame", slog.String("method", cm.method))
	}
}

// handleInProgressFrame handles the v2-only session/in-progress socket,
// whose frames are bare session payloads with no JSON-RPC envelope.
func (c *Coordinator) handleInProgressFrame(ctx context.Context, raw []byte) {
	c.cfg.Hooks.frameReceived("inProgressSession")
	c.applyAndPublish(ctx, func(state *DeviceState) error {
		return applySession(raw, state, time.Now())
	})
}

func (c *Coordinator) applyAndPublish(ctx context.Context, apply func(*DeviceState) error) {
	c.mu.Lock()
	err := apply(c.state)
	c.mu.Unlock()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to apply frame", slog.Any("error", err))
		return
	}
	c.publish(ctx, true)
}

// sendPostLoginRequests asks for the state the charger supports. v2
// chargers reject schedules.get and plugncharge.get.
func (c *Coordinator) sendPostLoginRequests(ctx context.Context) {
	send := func(method string) {
		if err := c.syncSession.Send(ctx, method, nil); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "post-login request failed",
				slog.String("method", method), slog.Any("error", err))
		}
	}
	send("sync.snapshot")
	if c.MajorVersion() >= 3 {
		send("schedules.get")
		send("plugncharge.get")
	}
	send("firmware.version")
	send("get.name")
}

// Unload stops everything. Idempotent and safe after a partial setup.
func (c *Coordinator) Unload() {
	if !c.unloadFlag.CompareAndSwap(false, true) {
		return
	}
	log.Ctx(c.baseCtx).DebugContext(c.baseCtx, "coordinator unload")

	c.stopSupervisors()
	c.baseCancel()

	c.mu.Lock()
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	c.mu.Unlock()
}
