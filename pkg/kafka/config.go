package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const DefaultFlushTimeout = 15 * time.Second

// ProducerConfig configures the event sink producer and its topic.
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"   envDefault:"localhost:9092"` // Kafka broker addresses
	Topic             string        `env:"KAFKA_TOPIC"               envDefault:"ledger-events"`  // Topic dispatched events are forwarded to
	ClientID          string        `env:"KAFKA_CLIENT_ID"           envDefault:"ledgersync"`
	NumPartitions     int           `env:"KAFKA_TOPIC_PARTITIONS"    envDefault:"1"`
	ReplicationFactor int           `env:"KAFKA_TOPIC_REPLICATION"   envDefault:"1"`
	EnsureTopic       bool          `env:"KAFKA_ENSURE_TOPIC"        envDefault:"true"`  // Create or grow the topic on startup
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"       envDefault:"15s"`   // Flush timeout on Close
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"         envDefault:"false"` // Enable librdkafka client logs
	EnableIdempotence bool          `env:"KAFKA_ENABLE_IDEMPOTENCE"  envDefault:"true"`
}

// LoadProducerConfig reads the producer configuration from the environment.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka producer config: %w", err)
	}
	return cfg, nil
}

func (c ProducerConfig) Validate() error {
	if c.BootstrapServers == "" {
		return errors.New("invalid kafka bootstrap servers: must not be empty")
	}
	if c.FlushTimeout <= 0 {
		return errors.New("invalid kafka flush timeout: must be greater than 0")
	}
	return c.TopicConfig().Validate()
}

func (c ProducerConfig) TopicConfig() TopicConfig {
	return TopicConfig{
		Name:              c.Topic,
		NumPartitions:     c.NumPartitions,
		ReplicationFactor: c.ReplicationFactor,
	}
}

// ConfigMap builds the librdkafka configuration.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"enable.idempotence":     c.EnableIdempotence,
		"acks":                   "all",
		"go.logs.channel.enable": c.EnableLogs,
	}
	return cm
}
