package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nrgchamp/zonetune/internal/heat"
)

const validYAML = `
http_bind: ":9090"
store_path: "/tmp/zt-test.db"
execute_mode: kafka
tick_interval: 15s
sample_stale_timeout: 3m
pause_decay_per_min: 0.05
kafka:
  brokers: ["kafka-0:9092", "kafka-1:9092"]
  samples_topic: zone.samples
zones:
  - id: living
    area_m2: 28
    heating_type: floor_hydronic
    setpoint_c: 21.5
    outdoor_comp: true
    floor_construction:
      - material: screed
        thickness_mm: 60
      - material: tile
        thickness_mm: 10
  - id: office
    area_m2: 12
    heating_type: forced_air
    setpoint_c: 20
    cycling_threshold: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zonetune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPBind)
	require.Equal(t, 15*time.Second, cfg.TickInterval.Std())
	require.Equal(t, 3*time.Minute, cfg.SampleStaleTimeout.Std())
	require.Len(t, cfg.Zones, 2)
	require.Equal(t, []string{"living", "office"}, cfg.ZoneIDs())

	props, err := cfg.Zones[0].Props()
	require.NoError(t, err)
	require.Equal(t, heat.FloorHydronic, props.Type)
	require.True(t, props.OutdoorComp)
	require.Len(t, props.Floor, 2)
	require.Equal(t, heat.MaterialScreed, props.Floor[0].Material)
}

func TestDefaultsApply(t *testing.T) {
	minimal := `
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 20
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPBind)
	require.Equal(t, "kafka", cfg.ExecuteMode)
	require.Equal(t, 30*time.Second, cfg.TickInterval.Std())
	require.Equal(t, 5*time.Minute, cfg.SampleStaleTimeout.Std())
	require.InDelta(t, 0.10, cfg.PauseDecayPerMin, 1e-9)
	require.Equal(t, "zone.commands.", cfg.Kafka.CommandPrefix)
}

func TestUnknownHeatingTypeIsAnError(t *testing.T) {
	bad := `
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: lava
    setpoint_c: 20
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "lava")
}

func TestUnknownFloorMaterialIsAnError(t *testing.T) {
	bad := `
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: floor_hydronic
    setpoint_c: 20
    floor_construction:
      - material: marble
        thickness_mm: 20
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "marble")
}

func TestSetpointOutOfRangeIsAnError(t *testing.T) {
	bad := `
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 45
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err, "out-of-range values fail loudly, never clamp")
}

func TestDuplicateZoneIDIsAnError(t *testing.T) {
	bad := `
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 20
  - id: z1
    area_m2: 14
    heating_type: radiator
    setpoint_c: 21
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestNoZonesIsAnError(t *testing.T) {
	_, err := Load(writeConfig(t, `
kafka:
  brokers: ["kafka:9092"]
zones: []
`))
	require.Error(t, err)
}

func TestBrokersAlwaysRequired(t *testing.T) {
	bad := `
execute_mode: kafka
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 20
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "brokers")
}

func TestMQTTModeRequiresBroker(t *testing.T) {
	bad := `
execute_mode: mqtt
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 20
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "mqtt.broker")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_BIND", ":7070")
	t.Setenv("KAFKA_BROKERS", "env-kafka-0:9092, env-kafka-1:9092")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.HTTPBind)
	require.Equal(t, []string{"env-kafka-0:9092", "env-kafka-1:9092"}, cfg.Kafka.Brokers)
}

func TestBadDurationIsAnError(t *testing.T) {
	bad := `
tick_interval: soon
kafka:
  brokers: ["kafka:9092"]
zones:
  - id: z1
    area_m2: 10
    heating_type: electric
    setpoint_c: 20
`
	_, err := Load(writeConfig(t, bad))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duration")
}
