package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/events"
)

func TestBridge_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Enabled:     true,
		BrokerURL:   "mqtt://localhost:1883",
		TopicPrefix: "skald",
	}
	b := New(cfg, events.New(), nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availabilityTopic", b.availabilityTopic(), "skald/availability"},
		{
			"turn event",
			b.eventTopic(events.Event{Source: events.SourceAgent, Kind: events.KindTurnStarted}),
			"skald/events/agent/turn_started",
		},
		{
			"hitl event",
			b.eventTopic(events.Event{Source: events.SourceHITL, Kind: events.KindInputRequested}),
			"skald/events/hitl/input_requested",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestBridge_Defaults(t *testing.T) {
	b := New(config.MQTTConfig{BrokerURL: "mqtt://localhost:1883"}, events.New(), nil)

	if got := b.prefix(); got != "skald" {
		t.Errorf("prefix() = %q, want %q", got, "skald")
	}
	if got := b.clientID(); got != "skald" {
		t.Errorf("clientID() = %q, want %q", got, "skald")
	}

	b = New(config.MQTTConfig{
		BrokerURL:   "mqtt://localhost:1883",
		TopicPrefix: "adplatform/agents",
		ClientID:    "skald-prod-1",
	}, events.New(), nil)

	if got := b.availabilityTopic(); got != "adplatform/agents/availability" {
		t.Errorf("availabilityTopic() = %q, want prefixed topic", got)
	}
	if got := b.clientID(); got != "skald-prod-1" {
		t.Errorf("clientID() = %q, want %q", got, "skald-prod-1")
	}
}

func TestBridge_EventPayloadShape(t *testing.T) {
	ev := events.Event{
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Source:    events.SourceHITL,
		Kind:      events.KindInputRequested,
		Data:      map[string]any{"turn_id": "turn-1", "question": "Proceed?"},
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["source"] != "hitl" || decoded["kind"] != "input_requested" {
		t.Errorf("payload = %s, want source/kind fields", payload)
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["turn_id"] != "turn-1" {
		t.Errorf("payload data = %v, want turn_id", decoded["data"])
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
		want bool
	}{
		{"enabled with broker", config.MQTTConfig{Enabled: true, BrokerURL: "mqtt://localhost"}, true},
		{"enabled without broker", config.MQTTConfig{Enabled: true}, false},
		{"disabled with broker", config.MQTTConfig{BrokerURL: "mqtt://localhost"}, false},
		{"empty", config.MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
