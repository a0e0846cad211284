package speedlayer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

const testTopic = "document-updates-test"

// setupKafka starts a single-node Kafka testcontainer and returns its broker
// addresses.
func setupKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("clinquery-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to resolve kafka brokers: %v", err)
	}

	return brokers
}

// publish writes raw message payloads to the test topic, creating it on first
// write.
func publish(ctx context.Context, t *testing.T, brokers []string, payloads ...[]byte) {
	t.Helper()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  testTopic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = writer.Close() }()

	messages := make([]kafka.Message, 0, len(payloads))
	for _, p := range payloads {
		messages = append(messages, kafka.Message{Value: p})
	}

	// Topic creation races with the first produce; retry until the broker
	// has the topic registered.
	deadline := time.Now().Add(60 * time.Second)
	for {
		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("failed to publish document updates: %v", err)
		}

		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Temporary() {
			time.Sleep(time.Second)

			continue
		}

		time.Sleep(time.Second)
	}
}

func TestKafkaSourceConsumesDocumentUpdates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	brokers := setupKafka(ctx, t)

	valid, err := json.Marshal(map[string]any{
		"id":   "pat-100",
		"kind": "Patient",
		"resource": map[string]any{
			"resourceType": "Patient",
			"id":           "pat-100",
			"gender":       "female",
		},
	})
	require.NoError(t, err)

	observation, err := json.Marshal(map[string]any{
		"id":   "obs-7",
		"kind": "Observation",
		"resource": map[string]any{
			"resourceType": "Observation",
			"id":           "obs-7",
		},
	})
	require.NoError(t, err)

	malformed := []byte("{not json")
	incomplete, err := json.Marshal(map[string]any{"id": "orphan-1"})
	require.NoError(t, err)

	publish(ctx, t, brokers, valid, malformed, incomplete, observation)

	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	cfg := &Config{
		Enabled:    true,
		DefaultTTL: time.Hour,
		KindTTLs:   map[string]time.Duration{"observation": 30 * time.Minute},
	}

	source := NewKafkaSource(&KafkaConfig{
		Brokers: brokers,
		Topic:   testTopic,
		GroupID: "clinquery-test-consumer",
	}, store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() { done <- source.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, patErr := store.Get(ctx, "Patient", "pat-100")
		_, obsErr := store.Get(ctx, "Observation", "obs-7")

		return patErr == nil && obsErr == nil
	}, 90*time.Second, 250*time.Millisecond, "document updates must land in the recent-writes cache")

	entry, err := store.Get(ctx, "Patient", "pat-100")
	require.NoError(t, err)
	assert.Equal(t, "Patient", entry.Kind)
	assert.Equal(t, "female", entry.Resource["gender"])

	// Malformed and incomplete messages are skipped, never cached.
	_, err = store.Get(ctx, "", "orphan-1")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	cancel()
	require.NoError(t, source.Close())

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(30 * time.Second):
		t.Fatal("kafka source did not stop after cancellation")
	}
}

func TestLoadKafkaConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("disabled without brokers", func(t *testing.T) {
		t.Setenv("SPEED_LAYER_KAFKA_BROKERS", "")

		cfg := LoadKafkaConfig()
		assert.False(t, cfg.Enabled())
		assert.Equal(t, "document-updates", cfg.Topic)
		assert.Equal(t, "clinquery-speed-layer", cfg.GroupID)
	})

	t.Run("enabled with broker list", func(t *testing.T) {
		t.Setenv("SPEED_LAYER_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

		cfg := LoadKafkaConfig()
		assert.True(t, cfg.Enabled())
		assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
	})
}
