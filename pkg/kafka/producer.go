package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Message is a record to produce.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer produces messages synchronously: Produce returns once the broker acknowledged the
// message or ctx is done.
//
// Close must be called to stop the background goroutines and flush in-flight messages.
type Producer struct {
	producer *kafka.Producer
	log      *zap.SugaredLogger

	errCh      chan error
	eventsDone chan struct{}
	logsDone   chan struct{}
	closedCh   chan struct{}
	once       sync.Once
}

const queueFullRetryDelay = time.Second

// NewProducer creates a Producer. ctx bounds the background goroutines.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logsEnabled, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	q := &Producer{
		producer:   p,
		log:        log,
		errCh:      make(chan error, 1),
		eventsDone: make(chan struct{}),
		logsDone:   make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if enabled, _ := logsEnabled.(bool); enabled {
		go q.forwardLogs(ctx)
	} else {
		close(q.logsDone)
	}
	go q.monitorEvents(ctx)
	return q, nil
}

// Produce blocks until the delivery report for msg arrives or ctx is done. A full local queue is
// retried; other produce errors are returned. When ctx ends first the message may still be
// delivered.
func (q *Producer) Produce(ctx context.Context, msg Message) error {
	deliveryCh := make(chan kafka.Event, 1)

	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := q.enqueue(ctx, km, deliveryCh); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-deliveryCh:
		return deliveryResult(q.log, ev)
	}
}

// Errors returns a channel that receives at most one fatal error and is closed by Close. After
// a fatal error the producer must be closed and recreated.
func (q *Producer) Errors() <-chan error {
	return q.errCh
}

// Close stops the background goroutines and flushes pending messages for up to timeout.
// Messages still pending afterwards are lost. Close is idempotent.
func (q *Producer) Close(timeout time.Duration) {
	q.once.Do(func() {
		q.log.Info("closing kafka producer")
		defer close(q.errCh)

		close(q.closedCh)
		<-q.eventsDone
		<-q.logsDone

		if pending := q.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			q.log.Warnw("flush incomplete, messages will be lost", "pending", pending)
		}
		q.producer.Close()
		q.log.Info("kafka producer closed")
	})
}

func (q *Producer) enqueue(ctx context.Context, km *kafka.Message, deliveryCh chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.producer.Produce(km, deliveryCh)
		if err == nil {
			return nil
		}

		var kerr kafka.Error
		if !errors.As(err, &kerr) {
			return fmt.Errorf("failed to produce: %w", err)
		}
		switch kerr.Code() {
		case kafka.ErrQueueFull:
			q.log.Warnw("producer queue full, retrying", "delay", queueFullRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(queueFullRetryDelay):
			}
		case kafka.ErrBrokerNotAvailable:
			return fmt.Errorf("broker not available: %w", err)
		case kafka.ErrInvalidMsgSize:
			return fmt.Errorf("invalid message size: %w", err)
		case kafka.ErrUnknownTopicOrPart:
			return fmt.Errorf("unknown topic or partition: %w", err)
		default:
			return fmt.Errorf("failed to produce: %w", err)
		}
	}
}

func (q *Producer) forwardLogs(ctx context.Context) {
	defer close(q.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case l, ok := <-q.producer.Logs():
			if !ok {
				return
			}
			q.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		}
	}
}

// monitorEvents watches the producer's event channel for fatal errors.
func (q *Producer) monitorEvents(ctx context.Context) {
	defer close(q.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closedCh:
			return
		case ev, ok := <-q.producer.Events():
			if !ok {
				q.fail(errors.New("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					q.fail(fmt.Errorf("fatal kafka error %#x: %w", e.Code(), e))
					return
				}
				q.log.Warnw("ignoring kafka error", "code", e.Code(), "error", e)
			case *kafka.Message:
				// Delivery reports go to the per-message channel.
				q.log.Warnw("unexpected delivery report on the events channel", "partition", e.TopicPartition)
			default:
				q.log.Debugw("kafka event", "event", e.String())
			}
		}
	}
}

func (q *Producer) fail(err error) {
	select {
	case q.errCh <- err:
	default:
		q.log.Warnw("dropping kafka producer error, one already pending", "error", err)
	}
}

func deliveryResult(log *zap.SugaredLogger, ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	log.Debugw("delivered",
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
	)
	return nil
}
