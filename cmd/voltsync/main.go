package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltsync/voltsync/pkg/bridge"
	"github.com/voltsync/voltsync/pkg/common"
	"github.com/voltsync/voltsync/pkg/hypervolt"
	"github.com/voltsync/voltsync/pkg/log"
	"github.com/voltsync/voltsync/pkg/metrics"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

type config struct {
	username           string
	password           string
	chargerID          string
	pollInterval       time.Duration
	stalenessThreshold time.Duration
	staleCooldown      time.Duration
	effectsDir         string
	mqttBroker         string
	mqttPrefix         string
	mqttUsername       string
	mqttPassword       string
	metricsListen      string
}

func configured() *config {
	cfg := &config{}

	username := lflag.RequiredString("username", "Hypervolt account username (email)")
	password := lflag.RequiredString("password", "Hypervolt account password")
	chargerID := lflag.String("charger-id", "", "Charger ID to manage. Discovered automatically when the account has exactly one charger.")
	pollInterval := lflag.Duration("poll-interval", 0, "Interval between state refreshes (e.g. 5m). 0 uses the default.")
	stalenessThreshold := lflag.Duration("staleness-threshold", 0, "Socket inactivity before a full reload is scheduled. 0 uses the default.")
	staleCooldown := lflag.Duration("stale-reload-cooldown", 0, "Minimum gap between staleness-triggered reloads. 0 uses the default.")
	effectsDir := lflag.String("led-effects-dir", "", "Directory of drop-in LED effect JSON files")
	mqttBroker := lflag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883). Empty disables the bridge.")
	mqttPrefix := lflag.String("mqtt-prefix", "voltsync", "MQTT topic prefix")
	mqttUsername := lflag.String("mqtt-username", "", "MQTT username")
	mqttPassword := lflag.String("mqtt-password", "", "MQTT password")
	metricsListen := lflag.String("metrics-listen", "", "Listen address for the prometheus metrics endpoint (e.g. :9090). Empty disables metrics.")

	lflag.Do(func() {
		cfg.username = *username
		cfg.password = *password
		cfg.chargerID = *chargerID
		cfg.pollInterval = *pollInterval
		cfg.stalenessThreshold = *stalenessThreshold
		cfg.staleCooldown = *staleCooldown
		cfg.effectsDir = *effectsDir
		cfg.mqttBroker = *mqttBroker
		cfg.mqttPrefix = *mqttPrefix
		cfg.mqttUsername = *mqttUsername
		cfg.mqttPassword = *mqttPassword
		cfg.metricsListen = *metricsListen
	})
	return cfg
}

func main() {
	cfg := configured()

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chargerID := cfg.chargerID
	if chargerID == "" {
		var err error
		chargerID, err = discoverCharger(ctx, cfg)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "charger discovery failed", "error", err)
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "discovered charger", "chargerID", chargerID)
	}

	ccfg := hypervolt.CoordinatorConfig{
		Username:            cfg.username,
		Password:            cfg.password,
		ChargerID:           chargerID,
		PollInterval:        cfg.pollInterval,
		StalenessThreshold:  cfg.stalenessThreshold,
		StaleReloadCooldown: cfg.staleCooldown,
		EffectsDir:          cfg.effectsDir,
		SetHandshakeHeaders: true,
	}

	var m *metrics.Metrics
	if cfg.metricsListen != "" {
		m = metrics.New()
		ccfg.Hooks = m.Hooks(chargerID)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		msrv := &http.Server{Addr: cfg.metricsListen, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Ctx(ctx).ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
		defer msrv.Close()
	}

	coord := hypervolt.NewCoordinator(ctx, ccfg)
	defer coord.Unload()
	if m != nil {
		m.RegisterLastActivity(chargerID, coord.LastActivity)
	}

	if cfg.mqttBroker != "" {
		b := bridge.New(bridge.Config{
			BrokerURL:   cfg.mqttBroker,
			TopicPrefix: cfg.mqttPrefix,
			Username:    cfg.mqttUsername,
			Password:    cfg.mqttPassword,
		}, coord)
		go func() {
			if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Ctx(ctx).ErrorContext(ctx, "mqtt bridge failed", "error", err)
				cancel()
			}
		}()
	}

	if err := coord.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "coordinator failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "coordinator exited cleanly")
}

// discoverCharger logs in with a short-lived client and picks the account's
// single charger. Multiple chargers require an explicit --charger-id.
func discoverCharger(ctx context.Context, cfg *config) (string, error) {
	httpClient := common.HTTPClient(time.Minute)
	defer httpClient.CloseIdleConnections()

	tokens := hypervolt.NewTokenManager(httpClient, hypervolt.DefaultAuthURL, cfg.username, cfg.password)
	if err := tokens.Login(ctx); err != nil {
		return "", err
	}
	client := hypervolt.NewClient(httpClient, hypervolt.DefaultAPIURL, tokens)
	chargers, err := client.GetChargers(ctx)
	if err != nil {
		return "", err
	}
	switch len(chargers) {
	case 0:
		return "", errors.New("no chargers registered to this account")
	case 1:
		return chargers[0].ChargerID.String(), nil
	default:
		return "", fmt.Errorf("account has %d chargers, set --charger-id", len(chargers))
	}
}
