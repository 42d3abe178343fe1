package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gitNoodler/wankr-sub000/internal/config"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
)

type fakeStats struct {
	snap metrics.Snapshot
}

func (f fakeStats) Uptime() time.Duration { return 90*time.Minute + 1500*time.Millisecond }
func (f fakeStats) Version() string { return "1.2.3" }
func (f fakeStats) Metrics() metrics.Snapshot { return f.snap }
func (f fakeStats) ActiveChats() int { return 7 }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "den-wankr",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(id, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}

	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if again != id {
		t.Errorf("second = %q, want %q (should be stable)", again, id)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", fakeStats{}, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "wankr/den-wankr"},
		{"availabilityTopic", p.availabilityTopic(), "wankr/den-wankr/availability"},
		{"stateTopic", p.stateTopic("archived_total"), "wankr/den-wankr/archived_total/state"},
		{"discoveryTopic", p.discoveryTopic("uptime"), "homeassistant/sensor/den-wankr/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorConfigs(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", fakeStats{}, nil)

	seen := map[string]bool{}
	for _, s := range sensors {
		sc := p.sensorConfig(s)
		seen[s.entity] = true

		if strings.Contains(sc.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q repeats the device name", s.entity, sc.Name)
		}
		if sc.ObjectID != s.entity || !sc.HasEntityName {
			t.Errorf("sensor %s: ObjectID=%q HasEntityName=%v", s.entity, sc.ObjectID, sc.HasEntityName)
		}
		if sc.UniqueID != "instance-123_"+s.entity {
			t.Errorf("sensor %s: UniqueID = %q", s.entity, sc.UniqueID)
		}
		if sc.AvailabilityTopic != "wankr/den-wankr/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", s.entity, sc.AvailabilityTopic)
		}

		payload, err := json.Marshal(sc)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(payload), `"identifiers":["instance-123"]`) {
			t.Errorf("sensor %s: payload missing device identifiers: %s", s.entity, payload)
		}
	}

	states := p.states()
	for entity := range states {
		if !seen[entity] {
			t.Errorf("state %q has no discovery config", entity)
		}
	}
	if len(states) != len(sensors) {
		t.Errorf("states = %d, sensors = %d", len(states), len(sensors))
	}
}

func TestPublisher_States(t *testing.T) {
	sweep := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	p := New(testConfig(), "id", fakeStats{snap: metrics.Snapshot{
		Archived:           12,
		Discarded:          4,
		AnnotationFailures: 1,
		TrainingPairs:      30,
		LastSweep:          sweep,
	}}, nil)

	got := p.states()
	want := map[string]string{
		"uptime":              "1h30m1s",
		"version":             "1.2.3",
		"active_chats":        "7",
		"archived_total":      "12",
		"discarded_total":     "4",
		"annotation_failures": "1",
		"training_pairs":      "30",
		"last_sweep":          "2026-06-01T03:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if never := New(testConfig(), "id", fakeStats{}, nil).states()["last_sweep"]; never != "unknown" {
		t.Errorf("last_sweep before any sweep = %q", never)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config reported as configured")
	}
	if !testConfig().Configured() {
		t.Error("config with broker not configured")
	}
}
