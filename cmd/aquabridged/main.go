// Command aquabridged bridges a cloud water-monitoring service to local
// consumers: it authenticates, discovers devices, keeps one merged snapshot
// per device current from polling and push, and exposes the result over MQTT
// and a local HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nwestergaard/aquabridge/internal/config"
	"github.com/nwestergaard/aquabridge/internal/core/api"
	"github.com/nwestergaard/aquabridge/internal/core/device"
	"github.com/nwestergaard/aquabridge/internal/core/push"
	"github.com/nwestergaard/aquabridge/internal/core/session"
	"github.com/nwestergaard/aquabridge/internal/httpapi"
	"github.com/nwestergaard/aquabridge/internal/logging"
	"github.com/nwestergaard/aquabridge/internal/mqtt"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "aquabridged: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("starting aquabridged")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session + cloud API.
	sess := session.New(cfg.Cloud.APIBase, cfg.Cloud.APIKey, nil, log)
	if err := sess.Authenticate(ctx, cfg.Cloud.Username, cfg.Cloud.Password); err != nil {
		var credErr *session.CredentialError
		if errors.As(err, &credErr) {
			return fmt.Errorf("credentials rejected, check username/password: %w", err)
		}
		return fmt.Errorf("authentication failed: %w", err)
	}
	client := api.New(cfg.Cloud.APIBase, cfg.Cloud.APIKey, sess, nil, log)

	// Discovery.
	devices, err := client.Devices(ctx, cfg.Cloud.Location)
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices found for location %q", cfg.Cloud.Location)
	}
	log.Info("devices discovered", "count", len(devices))

	// Snapshot store + event bus.
	bus := device.NewEventBus(log)
	store := device.NewStore(bus, log)

	// Push client.
	pushClient := push.NewClient(push.Config{
		Endpoint:    cfg.Push.Endpoint,
		TopicPrefix: cfg.Push.TopicPrefix,
	}, push.NewBrokerDialer(log), func() string {
		return sess.Bearer(session.AccessToken)
	}, log)

	// One synchronizer per device, fed by both channels.
	syncs := make([]*device.Synchronizer, 0, len(devices))
	for _, ref := range devices {
		syn := device.NewSynchronizer(ref.ID, client, store, cfg.Sync.PollInterval, cfg.Sync.FirmwareEvery, log)
		if err := syn.Start(ctx); err != nil {
			return err
		}
		syncs = append(syncs, syn)

		pushClient.Register(ref.ID, func(_ string, payload json.RawMessage) {
			upd, err := api.ParsePushPayload(payload)
			if err != nil {
				log.Warn("undecodable push payload dropped", "device_id", ref.ID, "error", err)
				return
			}
			syn.HandlePush(upd)
		})
		pushClient.Subscribe(ref.ID)
	}
	defer func() {
		for _, syn := range syncs {
			syn.Stop()
		}
	}()

	if err := pushClient.Connect(ctx); err != nil {
		return err
	}
	defer pushClient.Disconnect()

	// MQTT bridge.
	var publisher mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, client, store, bus, log)
	} else {
		publisher = mqtt.NewStubPublisher(log)
	}
	if err := publisher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		publisher.Stop(stopCtx)
	}()

	// Local HTTP API.
	apiServer := httpapi.NewServer(store, client, cfg.HTTP.CORSAll, log)
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: apiServer.Handler()}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutCtx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-pushClient.Fatal():
		return fmt.Errorf("push connection abandoned, restart required: %w", err)
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	}
}
