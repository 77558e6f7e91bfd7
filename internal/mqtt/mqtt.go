// Package mqtt publishes merged device snapshots to an MQTT broker for Home
// Assistant. It defines the Publisher interface and includes both a
// StubPublisher (no-op) and a full HAPublisher that publishes HA
// auto-discovery configs, relays valve commands to the cloud, and forwards
// snapshot updates from the event bus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nwestergaard/aquabridge/internal/core/device"
)

// Publisher sends snapshots and events to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// ValveCommander issues valve commands without importing the API client
// package directly.
type ValveCommander interface {
	SetValve(ctx context.Context, deviceID string, open bool) error
}

// Ensure HAPublisher implements Publisher at compile time.
var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// valve command topics and relays them to the cloud, and forwards snapshot
// updates from the event bus.
type HAPublisher struct {
	cfg       Config
	commander ValveCommander
	store     *device.Store
	bus       *device.EventBus
	log       *slog.Logger

	client pahomqtt.Client

	unsub func() // event bus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a Home Assistant MQTT publisher.
func NewHAPublisher(cfg Config, commander ValveCommander, store *device.Store, bus *device.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:       cfg,
		commander: commander,
		store:     store,
		bus:       bus,
		log:       log,
		stopC:     make(chan struct{}),
	}
}

// Start connects to the MQTT broker, publishes discovery configs, subscribes
// to command topics, publishes the current snapshots, and starts listening on
// the event bus.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.cfg.TopicPrefix + "/bridge/status"

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID("aquabridge-" + uuid.NewString()[:8]).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	evtCh, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)

	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

// Stop gracefully disconnects from the broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.cfg.TopicPrefix+"/bridge/status", "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// onConnect runs on every (re)connect.
func (p *HAPublisher) onConnect() {
	p.publish(p.cfg.TopicPrefix+"/bridge/status", "online", true)

	for _, snap := range p.store.All() {
		p.publishDiscovery(snap.DeviceID)
		p.publishState(snap)
	}

	// One wildcard subscription covers every device's valve commands.
	p.client.Subscribe(p.cfg.TopicPrefix+"/+/valve/set", 1, p.handleValveCmd)

	// HA birth message: re-publish discovery so entities survive HA restarts.
	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			for _, snap := range p.store.All() {
				p.publishDiscovery(snap.DeviceID)
				p.publishState(snap)
			}
		}
	})
}

func (p *HAPublisher) deviceInfo(deviceID string) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{deviceID},
		"name":         "Water Monitor " + deviceID,
		"manufacturer": "aquabridge",
	}
}

func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery(deviceID string) {
	dev := p.deviceInfo(deviceID)
	avail := map[string]interface{}{"topic": p.cfg.TopicPrefix + "/bridge/status"}
	stateTopic := p.topic(deviceID, "state")

	p.publishDiscoveryConfig("switch", deviceID, "valve", map[string]interface{}{
		"name":          "Valve",
		"unique_id":     deviceID + "_valve",
		"state_topic":   p.topic(deviceID, "valve/state"),
		"command_topic": p.topic(deviceID, "valve/set"),
		"payload_on":    "ON",
		"payload_off":   "OFF",
		"device":        dev,
		"availability":  avail,
	})

	p.publishDiscoveryConfig("binary_sensor", deviceID, "leak", map[string]interface{}{
		"name":         "Leak",
		"unique_id":    deviceID + "_leak",
		"state_topic":  p.topic(deviceID, "leak/state"),
		"device_class": "moisture",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("binary_sensor", deviceID, "connectivity", map[string]interface{}{
		"name":         "Connectivity",
		"unique_id":    deviceID + "_connectivity",
		"state_topic":  p.topic(deviceID, "connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device":       dev,
		"availability": avail,
	})

	for _, sensor := range []struct {
		objectID string
		name     string
		tmpl     string
		unit     string
		class    string
	}{
		{"temperature", "Temperature", "{{ value_json.temperature_c }}", "°C", "temperature"},
		{"flow", "Flow Rate", "{{ value_json.flow_gpm }}", "gal/min", "volume_flow_rate"},
		{"pressure", "Pressure", "{{ value_json.pressure_psi }}", "psi", "pressure"},
		{"battery", "Battery", "{{ value_json.battery }}", "%", "battery"},
	} {
		p.publishDiscoveryConfig("sensor", deviceID, sensor.objectID, map[string]interface{}{
			"name":                sensor.name,
			"unique_id":           deviceID + "_" + sensor.objectID,
			"state_topic":         stateTopic,
			"value_template":      sensor.tmpl,
			"unit_of_measurement": sensor.unit,
			"device_class":        sensor.class,
			"state_class":         "measurement",
			"device":              dev,
			"availability":        avail,
		})
	}
}

func (p *HAPublisher) publishDiscoveryConfig(component, deviceID, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, deviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// handleValveCmd relays a valve command topic to the cloud.
func (p *HAPublisher) handleValveCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 3 {
		p.log.Warn("valve command on unexpected topic", "topic", msg.Topic())
		return
	}
	deviceID := parts[len(parts)-3]
	open := strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "ON")

	p.log.Info("MQTT command: valve", "device_id", deviceID, "open", open)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.commander.SetValve(ctx, deviceID, open); err != nil {
		p.log.Error("failed to set valve", "device_id", deviceID, "error", err)
	}
}

// publishState publishes the retained state topics for one snapshot.
func (p *HAPublisher) publishState(snap device.Snapshot) {
	payload := map[string]interface{}{}
	if snap.TemperatureF != nil {
		payload["temperature_c"] = device.ToCelsius(*snap.TemperatureF)
	}
	if snap.FlowRate != nil {
		payload["flow_gpm"] = *snap.FlowRate
	}
	if snap.PressurePSI != nil {
		payload["pressure_psi"] = *snap.PressurePSI
	}
	if snap.BatteryLevel != nil {
		payload["battery"] = *snap.BatteryLevel
	}
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			p.log.Error("failed to marshal state", "device_id", snap.DeviceID, "error", err)
		} else {
			p.publish(p.topic(snap.DeviceID, "state"), string(data), true)
		}
	}

	if snap.Valve != nil {
		p.publish(p.topic(snap.DeviceID, "valve/state"), boolToOnOff(*snap.Valve == device.ValveOpen), true)
	}
	if snap.LeakDetected != nil {
		p.publish(p.topic(snap.DeviceID, "leak/state"), boolToOnOff(*snap.LeakDetected), true)
	}
	if snap.Online != nil {
		p.publish(p.topic(snap.DeviceID, "connection/state"), boolToOnOff(*snap.Online), true)
	}
}

func (p *HAPublisher) eventLoop(ch <-chan device.Event) {
	defer p.wg.Done()

	seen := make(map[string]bool)
	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !seen[evt.DeviceID] {
				seen[evt.DeviceID] = true
				p.publishDiscovery(evt.DeviceID)
			}
			p.publishState(evt.Snapshot)
		}
	}
}

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, deviceID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
