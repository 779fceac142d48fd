// Package kafkaio encapsulates the Kafka readers/writers and topic layout:
// a partition-bound sample reader per zone, per-zone command topics, and a
// per-zone ledger topic carrying cycle and gain-change events.
package kafkaio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"nrgchamp/zonetune/internal/cycle"
	"nrgchamp/zonetune/internal/engine"
	"nrgchamp/zonetune/internal/gains"
)

// SampleEvent is the temperature reading consumed from the samples topic.
type SampleEvent struct {
	ZoneID    string    `json:"zoneId"`
	Timestamp time.Time `json:"timestamp"`
	TempC     float64   `json:"tempC"`
	OutdoorC  *float64  `json:"outdoorC,omitempty"`
}

// ledgerEvent wraps what goes on the audit ledger.
type ledgerEvent struct {
	Kind      string              `json:"kind"` // cycle | gain-change
	ZoneID    string              `json:"zoneId"`
	Timestamp time.Time           `json:"timestamp"`
	Cycle     *cycle.Cycle        `json:"cycle,omitempty"`
	Change    *gains.ChangeRecord `json:"change,omitempty"`
}

// Config is the topic layout.
type Config struct {
	Brokers       []string
	SamplesTopic  string // one partition per zone, zone order = partition index
	CommandPrefix string // zone.commands.<zoneId>
	LedgerPrefix  string // zone.ledger.<zoneId>
	Zones         []string
}

// IO owns all Kafka clients. It implements engine.CommandSink and
// engine.EventSink.
type IO struct {
	cfg Config
	lg  *slog.Logger

	zoneReaders    map[string]*kafka.Reader
	commandWriters map[string]*kafka.Writer
	ledgerWriters  map[string]*kafka.Writer
}

// New wires readers and writers for every configured zone and best-effort
// ensures the topics exist with the expected partitioning.
func New(cfg Config, lg *slog.Logger) (*IO, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if len(cfg.Zones) == 0 {
		return nil, errors.New("no zones configured")
	}

	io := &IO{
		cfg:            cfg,
		lg:             lg.With(slog.String("component", "kafkaio")),
		zoneReaders:    map[string]*kafka.Reader{},
		commandWriters: map[string]*kafka.Writer{},
		ledgerWriters:  map[string]*kafka.Writer{},
	}

	if err := io.ensureTopics(context.Background()); err != nil {
		io.lg.Warn("topic ensure failed", slog.Any("err", err))
	}

	for idx, zone := range cfg.Zones {
		io.zoneReaders[zone] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.SamplesTopic,
			Partition: idx, // 1:1 mapping between configured zone order and partitions
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   200 * time.Millisecond,
		})
		io.commandWriters[zone] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.CommandPrefix + zone,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		io.ledgerWriters[zone] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.LedgerPrefix + zone,
			RequiredAcks: kafka.RequireAll,
		}
		io.lg.Info("kafka clients created",
			slog.String("zone", zone),
			slog.Int("samplePartition", idx),
			slog.String("commandTopic", cfg.CommandPrefix+zone))
	}
	return io, nil
}

func (io *IO) ensureTopics(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", io.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker %s: %w", io.cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("get controller: %w", err)
	}
	c, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer c.Close()

	configs := []kafka.TopicConfig{{
		Topic:             io.cfg.SamplesTopic,
		NumPartitions:     len(io.cfg.Zones),
		ReplicationFactor: 1,
	}}
	for _, zone := range io.cfg.Zones {
		configs = append(configs,
			kafka.TopicConfig{Topic: io.cfg.CommandPrefix + zone, NumPartitions: 1, ReplicationFactor: 1},
			kafka.TopicConfig{Topic: io.cfg.LedgerPrefix + zone, NumPartitions: 1, ReplicationFactor: 1},
		)
	}
	if err := c.CreateTopics(configs...); err != nil {
		// Kafka answers with an error when topics already exist.
		io.lg.Warn("CreateTopics returned non-nil", slog.Any("err", err))
	}
	return nil
}

// Close shuts down every client.
func (io *IO) Close() {
	for z, r := range io.zoneReaders {
		_ = r.Close()
		io.lg.Info("reader closed", slog.String("zone", z))
	}
	for _, w := range io.commandWriters {
		_ = w.Close()
	}
	for _, w := range io.ledgerWriters {
		_ = w.Close()
	}
}

// Consume runs the read loop for one zone, feeding samples into the engine
// until the context ends. Malformed messages are logged and skipped.
func (io *IO) Consume(ctx context.Context, zone string, eng *engine.Engine) error {
	r, ok := io.zoneReaders[zone]
	if !ok {
		return fmt.Errorf("no reader for zone %s", zone)
	}
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			io.lg.Warn("kafka read error", slog.String("zone", zone), slog.Any("err", err))
			continue
		}
		var ev SampleEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			io.lg.Warn("bad sample json", slog.String("zone", zone), slog.Any("err", err))
			continue
		}
		if ev.OutdoorC != nil {
			eng.SetOutdoor(ev.Timestamp, *ev.OutdoorC)
		}
		eng.OnSample(ctx, ev.Timestamp, ev.TempC)
	}
}

// PublishCommand writes an actuation command to the zone's command topic.
func (io *IO) PublishCommand(ctx context.Context, cmd engine.Command) error {
	w, ok := io.commandWriters[cmd.ZoneID]
	if !ok {
		return fmt.Errorf("no command writer for zone %s", cmd.ZoneID)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(cmd.ZoneID),
		Value: b,
		Time:  cmd.Timestamp,
	})
}

// PublishCycle writes a cycle-completion event to the zone ledger. Publish
// failures are logged, never propagated: audit must not stall control.
func (io *IO) PublishCycle(ctx context.Context, zoneID string, c cycle.Cycle) {
	io.publishLedger(ctx, zoneID, ledgerEvent{
		Kind:      "cycle",
		ZoneID:    zoneID,
		Timestamp: c.FinishedAt,
		Cycle:     &c,
	})
}

// PublishGainChange writes a gain-change record to the zone ledger.
func (io *IO) PublishGainChange(ctx context.Context, zoneID string, rec gains.ChangeRecord) {
	io.publishLedger(ctx, zoneID, ledgerEvent{
		Kind:      "gain-change",
		ZoneID:    zoneID,
		Timestamp: rec.Timestamp,
		Change:    &rec,
	})
}

func (io *IO) publishLedger(ctx context.Context, zoneID string, ev ledgerEvent) {
	w, ok := io.ledgerWriters[zoneID]
	if !ok {
		io.lg.Warn("no ledger writer for zone", slog.String("zone", zoneID))
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		io.lg.Error("marshal ledger event", slog.Any("err", err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Value: b, Time: ev.Timestamp}); err != nil {
		io.lg.Warn("ledger write failed", slog.String("zone", zoneID), slog.Any("err", err))
	}
}
