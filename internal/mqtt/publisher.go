package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/gitNoodler/wankr-sub000/internal/config"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
)

// StatsSource provides the values published as sensor states. main.go
// wires an adapter over buildinfo, the metrics recorder, and the
// active store.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Metrics() metrics.Snapshot
	ActiveChats() int
}

// Publisher owns the MQTT connection and the periodic state loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and publishes states until ctx is
// cancelled. Discovery and the birth message are re-sent on every
// (re-)connect.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "wankr-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

func (p *Publisher) baseTopic() string {
	return "wankr/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// sensor describes one published entity.
type sensor struct {
	entity      string
	name        string
	icon        string
	stateClass  string
	deviceClass string
	unit        string
	diagnostic  bool
}

var sensors = []sensor{
	{entity: "uptime", name: "Uptime", icon: "mdi:clock-outline", diagnostic: true},
	{entity: "version", name: "Version", icon: "mdi:tag", diagnostic: true},
	{entity: "active_chats", name: "Active Chats", icon: "mdi:chat-processing", stateClass: "measurement", unit: "chats"},
	{entity: "archived_total", name: "Archived", icon: "mdi:archive", stateClass: "total_increasing", unit: "chats"},
	{entity: "discarded_total", name: "Discarded", icon: "mdi:delete-outline", stateClass: "total_increasing", unit: "chats"},
	{entity: "annotation_failures", name: "Annotation Failures", icon: "mdi:alert-circle-outline", stateClass: "total_increasing"},
	{entity: "training_pairs", name: "Training Pairs", icon: "mdi:school", stateClass: "total_increasing", unit: "pairs"},
	{entity: "last_sweep", name: "Last Sweep", icon: "mdi:broom", deviceClass: "timestamp", diagnostic: true},
}

func (p *Publisher) sensorConfig(s sensor) SensorConfig {
	cfg := SensorConfig{
		Name:              s.name,
		ObjectID:          s.entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + s.entity,
		StateTopic:        p.stateTopic(s.entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              s.icon,
		UnitOfMeasurement: s.unit,
		StateClass:        s.stateClass,
		DeviceClass:       s.deviceClass,
	}
	if s.diagnostic {
		cfg.EntityCategory = "diagnostic"
	}
	return cfg
}

// publish sends one message. Discovery and availability are retained
// at QoS 1; states are retained at QoS 0 and superseded every tick.
func publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, qos byte) error {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range sensors {
		payload, err := json.Marshal(p.sensorConfig(s))
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		topic := p.discoveryTopic(s.entity)
		if err := publish(ctx, cm, topic, payload, 1); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if err := publish(ctx, cm, p.availabilityTopic(), []byte(status), 1); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// states renders the current value of every sensor.
func (p *Publisher) states() map[string]string {
	snap := p.stats.Metrics()
	lastSweep := "unknown"
	if !snap.LastSweep.IsZero() {
		lastSweep = snap.LastSweep.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		"uptime":              p.stats.Uptime().Truncate(time.Second).String(),
		"version":             p.stats.Version(),
		"active_chats":        strconv.Itoa(p.stats.ActiveChats()),
		"archived_total":      strconv.FormatInt(snap.Archived, 10),
		"discarded_total":     strconv.FormatInt(snap.Discarded, 10),
		"annotation_failures": strconv.FormatInt(snap.AnnotationFailures, 10),
		"training_pairs":      strconv.FormatInt(snap.TrainingPairs, 10),
		"last_sweep":          lastSweep,
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}
	states := p.states()
	failed := 0
	for _, sn := range sensors {
		if err := publish(ctx, p.cm, p.stateTopic(sn.entity), []byte(states[sn.entity]), 0); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", sn.entity, "error", err)
			failed++
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(sensors)-failed, "failed", failed)
}
