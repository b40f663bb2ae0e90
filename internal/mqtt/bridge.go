// Package mqtt bridges the internal event bus onto an MQTT broker so
// other platform services can react to agent activity without polling
// the API. Each event kind gets its own retained topic, so a late
// subscriber immediately sees the most recent turn, approval, and
// credit events. An availability topic with a will message tracks
// whether the bridge itself is up.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic; the
// will message transitions it to "offline" on unexpected disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/events"
)

// Bridge republishes bus events to an MQTT broker.
type Bridge struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled. It blocks; run it in its own goroutine.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Wait for the initial connection before consuming events.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) prefix() string {
	if b.cfg.TopicPrefix != "" {
		return b.cfg.TopicPrefix
	}
	return "skald"
}

func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	return "skald"
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix() + "/availability"
}

// eventTopic maps an event to its topic. Each source/kind pair gets
// its own topic so retained messages act as a last-known-state cache.
func (b *Bridge) eventTopic(ev events.Event) string {
	return b.prefix() + "/events/" + ev.Source + "/" + ev.Kind
}

// --- Publish loop ---

func (b *Bridge) runLoop(ctx context.Context) {
	feed := b.bus.Subscribe(64)
	defer b.bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			b.publishEvent(ctx, ev)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, ev events.Event) {
	if b.cm == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}

	topic := b.eventTopic(ev)
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed",
			"topic", topic, "kind", ev.Kind, "error", err)
		return
	}
	b.logger.Debug("mqtt event published", "topic", topic, "kind", ev.Kind)
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}
