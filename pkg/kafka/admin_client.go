package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicConfig describes the sink topic.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

func (tc TopicConfig) Validate() error {
	if tc.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if tc.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", tc.NumPartitions)
	}
	if tc.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", tc.ReplicationFactor)
	}
	return nil
}

// Admin is the subset of *kafka.AdminClient used to manage the sink topic.
type Admin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	CreatePartitions(ctx context.Context, partitions []kafka.PartitionsSpecification, options ...kafka.CreatePartitionsAdminOption) ([]kafka.TopicResult, error)
}

// EnsureTopic creates the topic when missing and grows its partition count when below the
// configured one. A topic with more partitions than configured is left as is and reported as an
// error; a differing replication factor is only logged.
func EnsureTopic(ctx context.Context, admin Admin, cfg TopicConfig, log *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	md, err := admin.GetMetadata(&cfg.Name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", cfg.Name, err)
	}
	topic, exists := md.Topics[cfg.Name]
	if !exists || topic.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return createTopic(ctx, admin, cfg, log)
	}
	if topic.Error.Code() != kafka.ErrNoError {
		return fmt.Errorf("topic %q has error: %w", cfg.Name, topic.Error)
	}

	partitions := len(topic.Partitions)
	replicas := 0
	if partitions > 0 {
		replicas = len(topic.Partitions[0].Replicas)
	}
	if replicas != cfg.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", cfg.Name,
			"current", replicas,
			"desired", cfg.ReplicationFactor,
		)
	}

	switch {
	case partitions < cfg.NumPartitions:
		return increasePartitions(ctx, admin, cfg, log)
	case partitions > cfg.NumPartitions:
		return fmt.Errorf("topic %q has %d partitions, more than the configured %d", cfg.Name, partitions, cfg.NumPartitions)
	default:
		log.Infow("topic exists", "topic", cfg.Name, "partitions", partitions)
		return nil
	}
}

func createTopic(ctx context.Context, admin Admin, cfg TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cfg.Name,
		NumPartitions:     cfg.NumPartitions,
		ReplicationFactor: cfg.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", cfg.Name, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic",
				"topic", r.Topic,
				"partitions", cfg.NumPartitions,
				"replicationFactor", cfg.ReplicationFactor,
			)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", r.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Error)
		}
	}
	return nil
}

func increasePartitions(ctx context.Context, admin Admin, cfg TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{{
		Topic:      cfg.Name,
		IncreaseTo: cfg.NumPartitions,
	}})
	if err != nil {
		return fmt.Errorf("failed to increase partitions for topic %q: %w", cfg.Name, err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", r.Topic, r.Error)
		}
	}
	log.Infow("increased partitions", "topic", cfg.Name, "partitions", cfg.NumPartitions)
	return nil
}
