// Package emitter publishes recorder events to an MQTT broker so the rest of
// the care platform learns about new clips, evictions and pipeline health.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/care/orion-recorder/internal/config"
	"github.com/care/orion-recorder/internal/types"
)

// Topic suffixes under <prefix>/<instance_id>/
const (
	TopicClips     = "clips"
	TopicEvictions = "evictions"
	TopicHealth    = "health"
)

// Publisher is the part of mqtt.Client the emitter uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// ClipEvent is the payload published for clip events
type ClipEvent struct {
	Event      string     `json:"event"`
	InstanceID string     `json:"instance_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Clip       types.Clip `json:"clip"`
	Error      string     `json:"error,omitempty"`
}

// EvictionEvent is the payload published when a day directory is evicted
type EvictionEvent struct {
	Event      string         `json:"event"`
	InstanceID string         `json:"instance_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Eviction   types.Eviction `json:"eviction"`
}

// FailureEvent is published on the health topic when the pipeline stops
type FailureEvent struct {
	Event      string    `json:"event"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	Error      string    `json:"error"`
}

// MQTTEmitter publishes events to an MQTT broker
type MQTTEmitter struct {
	broker     string
	instanceID string
	prefix     string
	qos        byte
	logger     *slog.Logger

	client Publisher
	raw    mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter for the configured broker. Call Connect
// before publishing.
func NewMQTTEmitter(cfg *config.Config, logger *slog.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		broker:     cfg.MQTT.Broker,
		instanceID: cfg.InstanceID,
		prefix:     cfg.MQTT.TopicPrefix,
		qos:        cfg.MQTT.QoS,
		logger:     logger.With("component", "mqtt_emitter"),
		published:  make(map[string]uint64),
	}
}

// NewWithPublisher creates an emitter on an existing client
func NewWithPublisher(p Publisher, instanceID, prefix string, qos byte, logger *slog.Logger) *MQTTEmitter {
	return &MQTTEmitter{
		instanceID: instanceID,
		prefix:     prefix,
		qos:        qos,
		logger:     logger.With("component", "mqtt_emitter"),
		client:     p,
		published:  make(map[string]uint64),
		connected:  p.IsConnected(),
	}
}

// Connect establishes the connection to the broker. Paho keeps reconnecting
// in the background afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.broker))
	opts.SetClientID(e.instanceID + "-recorder")
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", e.broker,
			"auto_reconnect", "enabled")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.broker)
	}

	e.raw = mqtt.NewClient(opts)
	e.client = e.raw

	e.logger.Info("connecting to mqtt broker", "broker", e.broker)

	token := e.raw.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Topic returns the full topic for a suffix
func (e *MQTTEmitter) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", e.prefix, e.instanceID, suffix)
}

// Observe publishes clip, eviction and failure events. Publish failures are
// counted and logged, never propagated.
func (e *MQTTEmitter) Observe(event types.Event) {
	var (
		suffix  string
		payload any
	)
	switch event.Kind {
	case types.EventClipFinalized, types.EventClipDiscarded:
		ce := ClipEvent{
			Event:      event.Kind.String(),
			InstanceID: e.instanceID,
			Timestamp:  event.At,
			Clip:       event.Clip,
		}
		if event.Err != nil {
			ce.Error = event.Err.Error()
		}
		suffix, payload = TopicClips, ce
	case types.EventDayEvicted:
		suffix, payload = TopicEvictions, EvictionEvent{
			Event:      event.Kind.String(),
			InstanceID: e.instanceID,
			Timestamp:  event.At,
			Eviction:   event.Eviction,
		}
	case types.EventPipelineFailed:
		fe := FailureEvent{
			Event:      event.Kind.String(),
			InstanceID: e.instanceID,
			Timestamp:  event.At,
			Status:     "unhealthy",
		}
		if event.Err != nil {
			fe.Error = event.Err.Error()
		}
		suffix, payload = TopicHealth, fe
	default:
		return
	}

	if err := e.PublishJSON(suffix, payload); err != nil {
		e.logger.Warn("failed to publish event", "event", event.Kind.String(), "error", err)
	}
}

// PublishJSON marshals payload and publishes it under the topic suffix
func (e *MQTTEmitter) PublishJSON(suffix string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.publish(e.Topic(suffix), data)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, e.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("event published",
		"topic", topic,
		"qos", e.qos,
		"size", len(payload),
	)
	return nil
}

// RunHealth publishes snapshot() on the health topic every interval until ctx
// is cancelled
func (e *MQTTEmitter) RunHealth(ctx context.Context, interval time.Duration, snapshot func() any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishJSON(TopicHealth, snapshot()); err != nil {
				e.logger.Debug("failed to publish health", "error", err)
			}
		}
	}
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.raw != nil && e.raw.IsConnected() {
		e.raw.Disconnect(250) // 250ms grace period
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// IsConnected reports whether the broker connection is up
func (e *MQTTEmitter) IsConnected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
