// Package bridge publishes charger state over MQTT and maps command topics
// onto coordinator mutations, so dashboards and home-automation systems can
// consume the charger without speaking its protocol.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/voltsync/voltsync/pkg/hypervolt"
	"github.com/voltsync/voltsync/pkg/log"
)

// Config wires one Bridge.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TopicPrefix defaults to "voltsync". State is published under
	// <prefix>/<chargerID>/... and commands are read from
	// <prefix>/<chargerID>/<field>/set.
	TopicPrefix string
}

// Bridge connects one coordinator to an MQTT broker.
type Bridge struct {
	cfg    Config
	coord  *hypervolt.Coordinator
	client mqtt.Client
	prefix string
}

// New returns a Bridge for the coordinator's charger. Nothing connects
// until Run.
func New(cfg Config, coord *hypervolt.Coordinator) *Bridge {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "voltsync"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "voltsync"
	}
	return &Bridge{
		cfg:    cfg,
		coord:  coord,
		prefix: cfg.TopicPrefix + "/" + coord.State().ChargerID,
	}
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/availability"
}

// Run connects to the broker, announces availability with a retained will,
// subscribes to command topics, and republishes every coordinator snapshot
// until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetWill(b.availabilityTopic(), "offline", 1, true)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	}

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", token.Error())
	}
	defer b.client.Disconnect(250)

	if token := b.client.Publish(b.availabilityTopic(), 1, true, "online"); token.Wait() && token.Error() != nil {
		return fmt.Errorf("publishing availability: %w", token.Error())
	}
	defer func() {
		token := b.client.Publish(b.availabilityTopic(), 1, true, "offline")
		token.Wait()
	}()

	commandTopic := b.prefix + "/+/set"
	if token := b.client.Subscribe(commandTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleCommand(ctx, msg)
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", commandTopic, token.Error())
	}

	unsubscribe := b.coord.Subscribe(func(state *hypervolt.DeviceState) {
		b.publishState(ctx, state)
	})
	defer unsubscribe()

	// Publish whatever we already know so consumers are not blank until
	// the first push.
	b.publishState(ctx, b.coord.State())

	<-ctx.Done()
	return ctx.Err()
}

// publishState writes the full snapshot as JSON plus a handful of
// individually-subscribable scalar topics.
func (b *Bridge) publishState(ctx context.Context, state *hypervolt.DeviceState) {
	raw, err := json.Marshal(state)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode state", slog.Any("error", err))
		return
	}
	b.publish(ctx, b.prefix+"/state", raw)

	if state.LEDBrightness != nil {
		b.publish(ctx, b.prefix+"/brightness", []byte(strconv.Itoa(RatioToPercent(*state.LEDBrightness))))
	}
	if state.MaxCurrentMilliamps != nil {
		b.publish(ctx, b.prefix+"/max_current", []byte(strconv.FormatInt(*state.MaxCurrentMilliamps, 10)))
	}
	if state.Charging != nil {
		b.publish(ctx, b.prefix+"/charging", []byte(strconv.FormatBool(*state.Charging)))
	}
	if state.CarPlugged != nil {
		b.publish(ctx, b.prefix+"/car_plugged", []byte(strconv.FormatBool(*state.CarPlugged)))
	}
	if state.SessionPowerWatts != nil {
		b.publish(ctx, b.prefix+"/session_power", []byte(strconv.FormatFloat(*state.SessionPowerWatts, 'f', 1, 64)))
	}
	if state.SessionEnergyTotal != nil {
		b.publish(ctx, b.prefix+"/session_energy", []byte(strconv.FormatFloat(*state.SessionEnergyTotal, 'f', 1, 64)))
	}
	if state.ChargeMode != hypervolt.ChargeModeUnknown {
		b.publish(ctx, b.prefix+"/charge_mode", []byte(state.ChargeMode.String()))
	}
	if state.LockState != hypervolt.LockStateUnknown {
		b.publish(ctx, b.prefix+"/lock", []byte(state.LockState.String()))
	}
	if state.ActivationMode != hypervolt.ActivationModeUnknown {
		b.publish(ctx, b.prefix+"/activation_mode", []byte(state.ActivationMode.String()))
	}
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte) {
	if token := b.client.Publish(topic, 1, true, payload); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish failed",
			slog.String("topic", topic), slog.Any("error", token.Error()))
	}
}

// handleCommand maps one command topic message onto a coordinator call.
// Topics look like <prefix>/<chargerID>/<field>/set.
func (b *Bridge) handleCommand(ctx context.Context, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 2 {
		return
	}
	field := parts[len(parts)-2]
	payload := strings.TrimSpace(string(msg.Payload()))
	log.Ctx(ctx).InfoContext(ctx, "mqtt command",
		slog.String("field", field), slog.String("payload", payload))

	var err error
	switch field {
	case "brightness":
		var percent int
		if percent, err = strconv.Atoi(payload); err == nil {
			err = b.coord.SetLEDBrightness(ctx, float64(clampInt(percent, 0, 100)))
		}
	case "max_current":
		var ma int64
		if ma, err = strconv.ParseInt(payload, 10, 64); err == nil {
			err = b.coord.SetMaxCurrent(ctx, ma)
		}
	case "charge_mode":
		var mode hypervolt.ChargeMode
		if mode, err = hypervolt.ParseChargeMode(payload); err == nil {
			err = b.coord.SetChargeMode(ctx, mode)
		}
	case "charging":
		var on bool
		if on, err = strconv.ParseBool(payload); err == nil {
			err = b.coord.SetCharging(ctx, on)
		}
	case "lock":
		var locked bool
		if locked, err = strconv.ParseBool(payload); err == nil {
			err = b.coord.SetLockState(ctx, locked)
		}
	case "schedule_enabled":
		var enabled bool
		if enabled, err = strconv.ParseBool(payload); err == nil {
			err = b.coord.SetScheduleEnabled(ctx, enabled)
		}
	case "activation_mode":
		var mode hypervolt.ActivationMode
		if mode, err = hypervolt.ParseActivationMode(payload); err == nil {
			err = b.coord.ApplyPendingSchedule(ctx, mode)
		}
	case "apply_schedule":
		mode := hypervolt.ActivationModeSchedule
		if payload != "" {
			if mode, err = hypervolt.ParseActivationMode(payload); err != nil {
				break
			}
		}
		err = b.coord.ApplyPendingSchedule(ctx, mode)
	case "effect":
		err = b.coord.SetLEDEffect(ctx, payload)
	case "name":
		err = b.coord.SetChargerName(ctx, payload)
	case "force_update":
		b.coord.ForceUpdate()
	default:
		log.Ctx(ctx).DebugContext(ctx, "ignoring unknown command topic", slog.String("field", field))
		return
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "mqtt command failed",
			slog.String("field", field), slog.Any("error", err))
	}
}
