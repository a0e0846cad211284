package speedlayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/clinquery/clinquery/internal/config"
)

// KafkaConfig holds the document-update topic connection settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// LoadKafkaConfig loads Kafka source configuration from environment variables.
// An empty broker list disables the source.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("SPEED_LAYER_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("SPEED_LAYER_KAFKA_TOPIC", "document-updates"),
		GroupID: config.GetEnvStr("SPEED_LAYER_KAFKA_GROUP_ID", "clinquery-speed-layer"),
	}
}

// Enabled reports whether a broker list is configured.
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// documentUpdate is the wire shape of one document-update message.
type documentUpdate struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Resource map[string]any `json:"resource"`
}

// KafkaSource consumes document updates from a Kafka topic and mirrors them
// into the recent-writes cache. It is the push alternative to the polling
// Ingestor; deployments enable one or the other.
type KafkaSource struct {
	reader *kafka.Reader
	store  Store
	cfg    *Config
	logger *slog.Logger
}

// NewKafkaSource creates a consumer over the document-update topic.
func NewKafkaSource(kcfg *KafkaConfig, store Store, cfg *Config, logger *slog.Logger) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: kcfg.Brokers,
		Topic:   kcfg.Topic,
		GroupID: kcfg.GroupID,
	})

	return &KafkaSource{
		reader: reader,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Run consumes messages until the context is cancelled. Malformed messages
// are logged and skipped; cache write failures are logged and the message is
// still committed, matching the degrade-to-batch-only policy.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.logger.Info("Recent-writes Kafka source started",
		slog.String("topic", s.reader.Config().Topic))

	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("failed to read document update: %w", err)
		}

		var update documentUpdate
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			s.logger.Warn("Skipping malformed document update",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))

			continue
		}

		if update.ID == "" || update.Kind == "" || update.Resource == nil {
			s.logger.Warn("Skipping incomplete document update",
				slog.Int64("offset", msg.Offset))

			continue
		}

		if err := s.store.Put(ctx, update.Kind, update.ID, update.Resource, s.cfg.TTLFor(update.Kind)); err != nil {
			s.logger.Warn("Failed to cache document update",
				slog.String("id", update.ID),
				slog.String("kind", update.Kind),
				slog.String("error", err.Error()))
		}
	}
}

// Close shuts down the underlying reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
