// Package sink forwards dispatched events to downstream consumers.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ava-labs/ledger-sync/pkg/bus"
	"github.com/ava-labs/ledger-sync/pkg/kafka"
	"github.com/ava-labs/ledger-sync/pkg/metrics"
)

const (
	sinkName = "kafka"

	// EnvelopeVersion is bumped on incompatible envelope changes.
	EnvelopeVersion = 1

	HeaderSignal  = "signal"
	HeaderEvent   = "event"
	HeaderProgram = "program"
)

// Producer is implemented by *kafka.Producer.
type Producer interface {
	Produce(ctx context.Context, msg kafka.Message) error
}

// Envelope is the JSON value of every produced record.
type Envelope struct {
	Version int       `json:"version"`
	Program string    `json:"program"`
	Signal  string    `json:"signal"`
	Event   bus.Event `json:"event"`
}

// Kafka produces one record per dispatched event, and one per finalized transaction, keyed by
// transaction id so every record of a transaction lands on the same partition. A failed produce
// fails the dispatch, which keeps the checkpoint from moving past the transaction.
type Kafka struct {
	log      *zap.SugaredLogger
	producer Producer
	topic    string
	program  string
	metrics  *metrics.Metrics
}

// NewKafka creates a Kafka sink. m may be nil.
func NewKafka(log *zap.SugaredLogger, producer Producer, topic, program string, m *metrics.Metrics) (*Kafka, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if producer == nil {
		return nil, errors.New("invalid producer: must not be nil")
	}
	if topic == "" {
		return nil, errors.New("invalid topic: must not be empty")
	}
	return &Kafka{log: log, producer: producer, topic: topic, program: program, metrics: m}, nil
}

// Register forwards every event and, when finalized is set, every finalized transaction.
func (k *Kafka) Register(b *bus.Bus, finalized bool) {
	b.OnAny(k.Handle)
	if finalized {
		b.OnAnyFinalized(k.Handle)
	}
}

// Handle is a bus handler.
func (k *Kafka) Handle(ctx context.Context, n bus.Notification) error {
	if n.Event == nil {
		return nil
	}
	signal := n.Signal.String()
	value, err := json.Marshal(Envelope{
		Version: EnvelopeVersion,
		Program: k.program,
		Signal:  signal,
		Event:   *n.Event,
	})
	if err != nil {
		k.metrics.RecordSinkPublish(sinkName, err)
		return fmt.Errorf("failed to encode %s envelope for %s: %w", n.Event.Name, n.Event.TxID, err)
	}

	err = k.producer.Produce(ctx, kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.Event.TxID),
		Value: value,
		Headers: map[string]string{
			HeaderSignal:  signal,
			HeaderEvent:   n.Event.Name,
			HeaderProgram: k.program,
		},
	})
	k.metrics.RecordSinkPublish(sinkName, err)
	if err != nil {
		return fmt.Errorf("failed to produce %s for %s: %w", n.Event.Name, n.Event.TxID, err)
	}
	k.log.Debugw("event forwarded", "topic", k.topic, "signal", signal, "event", n.Event.Name, "txId", n.Event.TxID)
	return nil
}
