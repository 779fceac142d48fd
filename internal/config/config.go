// Package config loads the zonetune YAML configuration with environment
// overrides. Configuration faults are typed validation errors at load time,
// never silently clamped.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"nrgchamp/zonetune/internal/heat"
	"nrgchamp/zonetune/internal/learning"
)

// Duration wraps time.Duration for YAML decoding ("30s", "5m", ...).
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the stdlib type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Layer is one floor construction stratum as written in config.
type Layer struct {
	Material    string  `yaml:"material" validate:"required"`
	ThicknessMM float64 `yaml:"thickness_mm" validate:"gt=0"`
}

// Zone is the static per-zone block.
type Zone struct {
	ID               string   `yaml:"id" validate:"required"`
	AreaM2           float64  `yaml:"area_m2" validate:"gt=0"`
	HeatingType      string   `yaml:"heating_type" validate:"required"`
	SetpointC        float64  `yaml:"setpoint_c" validate:"gte=5,lte=35"`
	CyclingThreshold float64  `yaml:"cycling_threshold" validate:"gte=0,lte=100"`
	OutdoorComp      bool     `yaml:"outdoor_comp"`
	ReplayHistory    bool     `yaml:"replay_history"`
	Floor            []Layer  `yaml:"floor_construction" validate:"dive"`
}

// Kafka is the bus block.
type Kafka struct {
	Brokers       []string `yaml:"brokers"`
	SamplesTopic  string   `yaml:"samples_topic"`
	CommandPrefix string   `yaml:"command_prefix"`
	LedgerPrefix  string   `yaml:"ledger_prefix"`
}

// MQTT is the device-transport block.
type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Config is the full runtime configuration.
type Config struct {
	HTTPBind           string   `yaml:"http_bind"`
	LogDir             string   `yaml:"log_dir"`
	StorePath          string   `yaml:"store_path"`
	ExecuteMode        string   `yaml:"execute_mode" validate:"oneof=kafka mqtt"`
	TickInterval       Duration `yaml:"tick_interval"`
	SampleStaleTimeout Duration `yaml:"sample_stale_timeout"`
	PauseDecayPerMin   float64  `yaml:"pause_decay_per_min" validate:"gte=0,lt=1"`
	Kafka              Kafka    `yaml:"kafka"`
	MQTT               MQTT     `yaml:"mqtt"`
	Zones              []Zone   `yaml:"zones" validate:"min=1,dive"`
}

// Load reads, defaults, env-overrides and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPBind:           ":8080",
		LogDir:             "./logs",
		StorePath:          "./data/zonetune.db",
		ExecuteMode:        "kafka",
		TickInterval:       Duration(30 * time.Second),
		SampleStaleTimeout: Duration(5 * time.Minute),
		PauseDecayPerMin:   0.10,
		Kafka: Kafka{
			SamplesTopic:  "zone.samples",
			CommandPrefix: "zone.commands.",
			LedgerPrefix:  "zone.ledger.",
		},
		MQTT: MQTT{
			ClientID:    "zonetune",
			TopicPrefix: "zone/",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPBind = getEnv("HTTP_BIND", cfg.HTTPBind)
	cfg.LogDir = getEnv("LOG_DIR", cfg.LogDir)
	cfg.StorePath = getEnv("STORE_PATH", cfg.StorePath)
	cfg.ExecuteMode = getEnv("EXECUTE_MODE", cfg.ExecuteMode)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	seen := map[string]struct{}{}
	for _, z := range cfg.Zones {
		if _, dup := seen[z.ID]; dup {
			return fmt.Errorf("duplicate zone id %q", z.ID)
		}
		seen[z.ID] = struct{}{}
		if _, err := z.Props(); err != nil {
			return fmt.Errorf("zone %q: %w", z.ID, err)
		}
	}

	// Samples and the audit ledger always ride Kafka; execute_mode only
	// moves the actuation commands.
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required (or KAFKA_BROKERS)")
	}
	if cfg.ExecuteMode == "mqtt" && cfg.MQTT.Broker == "" {
		return fmt.Errorf("execute_mode mqtt requires mqtt.broker (or MQTT_BROKER)")
	}
	return nil
}

// Props converts the config block into the typed zone properties, rejecting
// unsupported heating-type/material combinations.
func (z Zone) Props() (learning.ZoneProps, error) {
	ht, err := heat.Parse(z.HeatingType)
	if err != nil {
		return learning.ZoneProps{}, err
	}
	layers := make([]heat.Layer, 0, len(z.Floor))
	for _, l := range z.Floor {
		mat, err := heat.ParseMaterial(l.Material)
		if err != nil {
			return learning.ZoneProps{}, err
		}
		layers = append(layers, heat.Layer{Material: mat, ThicknessMM: l.ThicknessMM})
	}
	return learning.ZoneProps{
		AreaM2:      z.AreaM2,
		Type:        ht,
		Floor:       layers,
		OutdoorComp: z.OutdoorComp,
	}, nil
}

// ZoneIDs lists the configured zone IDs in order.
func (c *Config) ZoneIDs() []string {
	ids := make([]string, len(c.Zones))
	for i, z := range c.Zones {
		ids[i] = z.ID
	}
	return ids
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
