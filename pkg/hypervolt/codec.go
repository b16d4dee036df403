package hypervolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/voltsync/voltsync/pkg/log"
)

// maxStoredSentFrames bounds the history of sent requests kept to recover
// the method name of response frames.
const maxStoredSentFrames = 20

// messageKind classifies inbound sync frames so handling can switch
// exhaustively instead of dispatching on raw method strings.
type messageKind int

const (
	kindUnknown messageKind = iota
	kindLogin
	kindSnapshot
	kindSession
	kindSchedule
	kindPilotStatus
	kindFirmwareVersion
	kindChargerName
	kindError
)

func (k messageKind) String() string {
	switch k {
	case kindLogin:
		return "login"
	case kindSnapshot:
		return "snapshot"
	case kindSession:
		return "session"
	case kindSchedule:
		return "schedule"
	case kindPilotStatus:
		return "pilotStatus"
	case kindFirmwareVersion:
		return "firmwareVersion"
	case kindChargerName:
		return "chargerName"
	case kindError:
		return "error"
	}
	return "unknown"
}

// classifiedMessage is one inbound frame after classification. Payload is
// the frame's result or params member, whichever was present.
type classifiedMessage struct {
	kind    messageKind
	method  string
	payload json.RawMessage
}

type outboundFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type inboundFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *frameError     `json:"error"`
}

type frameError struct {
	Code  int             `json:"code"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type sentFrame struct {
	id     string
	method string
}

// MessageCodec serializes outbound command frames and classifies inbound
// ones. It keeps a bounded history of sent requests so responses, which
// carry only an id, can be matched back to the method that asked for them.
// Safe for concurrent use.
type MessageCodec struct {
	mu     sync.Mutex
	sent   []sentFrame
	lastID int64
}

func NewMessageCodec() *MessageCodec {
	return &MessageCodec{}
}

// nextMessageID returns a unique, strictly increasing id. Ids are
// microsecond timestamps rendered as strings, which is what the upstream
// service expects and is unique enough within the retained history window.
func (c *MessageCodec) nextMessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := time.Now().UnixMicro()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return strconv.FormatInt(id, 10)
}

// Encode builds an outbound frame for method, records it into the sent
// history, and returns its JSON encoding. The history is trimmed to
// maxStoredSentFrames, oldest first.
func (c *MessageCodec) Encode(method string, params any) ([]byte, error) {
	f := outboundFrame{
		JSONRPC: "2.0",
		ID:      c.nextMessageID(),
		Method:  method,
		Params:  params,
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", method, err)
	}

	c.mu.Lock()
	c.sent = append(c.sent, sentFrame{id: f.ID, method: f.Method})
	if len(c.sent) > maxStoredSentFrames {
		c.sent = c.sent[len(c.sent)-maxStoredSentFrames:]
	}
	c.mu.Unlock()
	return raw, nil
}

// methodForID recovers the method of a response frame from the sent
// history. Returns empty when the request has already been evicted.
func (c *MessageCodec) methodForID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.sent {
		if f.id == id {
			return f.method
		}
	}
	return ""
}

// normalizeFrameID renders a frame id as a bare string. The service sends
// both string and numeric ids for the same logical value.
func normalizeFrameID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return string(raw)
}

// Classify parses one inbound sync frame. Frames carry either a result
// (response, matched to the sent history by id), params with an explicit
// method (unsolicited push), or an error member. Unknown methods come back
// as kindUnknown and are safe to drop.
func (c *MessageCodec) Classify(raw []byte) (classifiedMessage, error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return classifiedMessage{}, fmt.Errorf("decoding frame: %w", err)
	}

	if f.Error != nil {
		payload, _ := json.Marshal(f.Error)
		return classifiedMessage{kind: kindError, payload: payload}, nil
	}

	method := f.Method
	payload := f.Params
	if f.Result != nil {
		payload = f.Result
	}
	if method == "" && len(f.ID) > 0 {
		method = c.methodForID(normalizeFrameID(f.ID))
	}

	cm := classifiedMessage{method: method, payload: payload}
	switch method {
	case "login":
		cm.kind = kindLogin
	case "sync.snapshot", "sync.apply":
		cm.kind = kindSnapshot
	case "get.session":
		cm.kind = kindSession
	case "schedules.get", "schedule.set":
		// The upstream naming really is asymmetric: schedules are read in
		// the plural and written in the singular.
		cm.kind = kindSchedule
	case "get.pilot_status":
		cm.kind = kindPilotStatus
	case "firmware.version":
		cm.kind = kindFirmwareVersion
	case "get.name":
		cm.kind = kindChargerName
	default:
		cm.kind = kindUnknown
	}
	return cm, nil
}

// loginResult is the payload of a login response.
type loginResult struct {
	Authenticated bool `json:"authenticated"`
}

// applyLogin reports whether the socket login succeeded. A falsy or absent
// authenticated member means the token was rejected.
func applyLogin(payload json.RawMessage) error {
	var res loginResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return fmt.Errorf("decoding login result: %w", err)
	}
	if !res.Authenticated {
		return fmt.Errorf("%w: socket login rejected", ErrInvalidAuth)
	}
	return nil
}

// applySnapshot merges a sync.snapshot or sync.apply payload, an array of
// small objects, into state. Only the properties present in each item are
// touched. An unrecognized enum value skips that field but not the rest of
// the message.
func applySnapshot(ctx context.Context, payload json.RawMessage, state *DeviceState) error {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("decoding snapshot items: %w", err)
	}

	for _, item := range items {
		if raw, ok := item["brightness"]; ok {
			var v float64
			if err := json.Unmarshal(raw, &v); err == nil {
				state.LEDBrightness = &v
			}
		}
		if raw, ok := item["lock_state"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if ls, err := ParseLockState(s); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "skipping lock_state", slog.Any("error", err))
				} else {
					state.LockState = ls
				}
			}
		}
		if raw, ok := item["max_current"]; ok {
			var v int64
			if err := json.Unmarshal(raw, &v); err == nil {
				state.MaxCurrentMilliamps = &v
			}
		}
		if raw, ok := item["solar_mode"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if m, err := ParseChargeMode(s); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "skipping solar_mode", slog.Any("error", err))
				} else {
					state.ChargeMode = m
				}
			}
		}
		if raw, ok := item["release_state"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if rs, err := ParseReleaseState(s); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "skipping release_state", slog.Any("error", err))
				} else {
					state.ReleaseState = rs
				}
			}
		}
		if raw, ok := item["effect_name"]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				state.LEDEffectName = &s
			}
		}
		if raw, ok := item["leds"]; ok {
			var leds []RGB
			if err := json.Unmarshal(raw, &leds); err == nil && len(leds) > 0 {
				c := leds[0]
				state.LEDColor = &c
			}
		}
	}
	return nil
}

// sessionPayload covers both get.session results and the bare frames from
// the legacy session/in-progress socket.
type sessionPayload struct {
	Charging         *bool    `json:"charging"`
	Session          *int64   `json:"session"`
	WattHours        *float64 `json:"watt_hours"`
	CarbonSavedGrams *float64 `json:"carbon_saved_grams"`
	TrueMilliAmps    *float64 `json:"true_milli_amps"`
	CTCurrent        *float64 `json:"ct_current"`
	Voltage          *float64 `json:"voltage"`
	CTPower          *float64 `json:"ct_power"`
	EVPower          *float64 `json:"ev_power"`
	HousePower       *float64 `json:"house_power"`
	GridPower        *float64 `json:"grid_power"`
	GenerationPower  *float64 `json:"generation_power"`
}

// applySession merges a charge-session update into state and recomputes the
// derived energy counter and power estimate.
func applySession(payload json.RawMessage, state *DeviceState, now time.Time) error {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding session payload: %w", err)
	}

	prevSessionID := state.SessionID

	if p.Charging != nil {
		state.Charging = p.Charging
	}
	if p.Session != nil {
		state.SessionID = p.Session
	}
	if p.WattHours != nil {
		state.SessionWattHours = p.WattHours
	}
	if p.CarbonSavedGrams != nil {
		state.SessionCarbonSavedGrams = p.CarbonSavedGrams
	}
	if p.TrueMilliAmps != nil {
		state.CurrentMilliamps = p.TrueMilliAmps
	}
	if p.CTCurrent != nil {
		state.CTCurrentMilliamps = p.CTCurrent
	}
	if p.Voltage != nil {
		state.VoltageVolts = p.Voltage
	}
	if p.CTPower != nil {
		// Only seen on the legacy session/in-progress socket.
		state.CTPowerWatts = p.CTPower
	}
	if p.CTCurrent != nil && p.Voltage != nil {
		// Reproduce the old ct_power field from ct_current (mA) and voltage.
		w := *p.Voltage * *p.CTCurrent / 1000
		state.CTPowerWatts = &w
	}
	if p.EVPower != nil {
		state.EVPowerWatts = p.EVPower
	}
	if p.HousePower != nil {
		state.HousePowerWatts = p.HousePower
	}
	if p.GridPower != nil {
		state.GridPowerWatts = p.GridPower
	}
	if p.GenerationPower != nil {
		state.GenerationPowerWatts = p.GenerationPower
	}

	state.updateDerivedEnergy(prevSessionID, now)
	return nil
}

// schedulePayload is the result of schedules.get or schedule.set.
type schedulePayload struct {
	Applied *struct {
		Enabled  *bool               `json:"enabled"`
		Type     *string             `json:"type"`
		Tz       *string             `json:"tz"`
		Sessions []scheduleSessionV3 `json:"sessions"`
	} `json:"applied"`
}

// applySchedule merges a v3 schedule payload into state. The confirmed
// interval list is replaced and the pending-edit mirror is reset to match
// it; this is the only place inbound data touches the pending list.
func applySchedule(ctx context.Context, payload json.RawMessage, state *DeviceState) error {
	var p schedulePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding schedule payload: %w", err)
	}
	if p.Applied == nil {
		return nil
	}
	applied := p.Applied

	if applied.Enabled != nil {
		switch {
		case *applied.Enabled && applied.Type != nil && *applied.Type == "octopus":
			state.ActivationMode = ActivationModeOctopus
		case *applied.Enabled:
			state.ActivationMode = ActivationModeSchedule
		default:
			state.ActivationMode = ActivationModePlugAndCharge
		}
	}
	if applied.Type != nil {
		state.ScheduleType = applied.Type
	}
	if applied.Tz != nil {
		state.ScheduleTimezone = applied.Tz
	}

	if applied.Sessions != nil {
		state.ScheduleIntervals = nil
		for _, session := range applied.Sessions {
			// In Octopus mode only boost sessions are user-visible.
			if state.ActivationMode == ActivationModeOctopus && session.Mode != "boost" {
				continue
			}
			iv, err := intervalFromSession(session)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "skipping schedule session", slog.Any("error", err))
				continue
			}
			state.ScheduleIntervals = append(state.ScheduleIntervals, iv)
		}
		state.PendingScheduleIntervals = append([]ScheduleInterval(nil), state.ScheduleIntervals...)
	}
	return nil
}

func intervalFromSession(session scheduleSessionV3) (ScheduleInterval, error) {
	days, err := DaysFromNames(session.Days)
	if err != nil {
		return ScheduleInterval{}, err
	}
	start, err := ParseTimeOfDay(session.StartTime)
	if err != nil {
		return ScheduleInterval{}, err
	}
	end, err := ParseTimeOfDay(session.EndTime)
	if err != nil {
		return ScheduleInterval{}, err
	}
	mode, err := ParseChargeMode(session.Mode)
	if err != nil {
		return ScheduleInterval{}, err
	}
	return ScheduleInterval{Start: start, End: end, ChargeMode: mode, Days: days}, nil
}

// applyPilotStatus maps the J1772 control-pilot state onto CarPlugged:
// A is unplugged, B and C are plugged (not charging / charging). Any other
// value leaves the field as-is.
func applyPilotStatus(payload json.RawMessage, state *DeviceState) error {
	var p struct {
		PilotStatus *string `json:"pilot_status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding pilot status: %w", err)
	}
	if p.PilotStatus == nil {
		return nil
	}
	switch *p.PilotStatus {
	case "A":
		f := false
		state.CarPlugged = &f
	case "B", "C":
		tr := true
		state.CarPlugged = &tr
	}
	return nil
}

// applyStringResult handles results that are a bare JSON string, like
// firmware.version and get.name.
func applyStringResult(payload json.RawMessage, dest **string) error {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return fmt.Errorf("decoding string result: %w", err)
	}
	*dest = &s
	return nil
}

// redactFrame masks the token in a login frame so it can be logged.
func redactFrame(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	params, ok := m["params"].(map[string]any)
	if !ok {
		return string(raw)
	}
	if _, ok := params["token"]; !ok {
		return string(raw)
	}
	params["token"] = "********"
	out, err := json.Marshal(m)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
