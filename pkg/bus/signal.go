// Package bus is the in-process dispatch registry between the sync core and its consumers.
//
// Consumers register handlers per event kind (On), for every event (OnAny), for finalized
// events (OnFinalized, OnAnyFinalized) and for operational signals (OnSignal). Each handler
// receives a Notification. Handlers run in registration order; by default Emit waits for them.
package bus

import (
	"time"

	"github.com/ava-labs/ledger-sync/pkg/ledger"
)

// Signal enumerates everything the core emits.
type Signal int

const (
	// SignalLedgerEvent is emitted once for every dispatched event.
	SignalLedgerEvent Signal = iota + 1
	// SignalEvent is the type-specific counterpart of SignalLedgerEvent, keyed by Event.Kind.
	SignalEvent
	SignalParseError
	SignalTransactionFinalized
	// SignalEventFinalized is keyed by Event.Kind.
	SignalEventFinalized
	SignalPotentialReorg
	SignalHighErrorRate
	SignalMaxReconnectAttemptsReached
)

func (s Signal) String() string {
	switch s {
	case SignalLedgerEvent:
		return "ledger-event"
	case SignalEvent:
		return "event"
	case SignalParseError:
		return "parse-error"
	case SignalTransactionFinalized:
		return "transaction-finalized"
	case SignalEventFinalized:
		return "event-finalized"
	case SignalPotentialReorg:
		return "potential-reorg"
	case SignalHighErrorRate:
		return "high-error-rate"
	case SignalMaxReconnectAttemptsReached:
		return "max-reconnect-attempts-reached"
	default:
		return "unknown"
	}
}

// Kind is the event-kind tag assigned by a decoder. Values are declared by the program binding.
type Kind uint16

// Event is a decoded ledger event. Data is owned by the program binding and opaque to the core.
type Event struct {
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name"`
	Data       any       `json:"data"`
	TxID       string    `json:"txId"`
	Position   uint64    `json:"position"`
	ObservedAt time.Time `json:"observedAt"`
}

// Notification is what handlers receive.
type Notification struct {
	Signal Signal
	// Event is set for event, finality and reorg signals.
	Event *Event
	// Batch is the raw batch for parse-error.
	Batch *ledger.LogBatch
	// Err carries the decode error, the status query error or the last tracked error.
	Err error
	// Count is the error count for high-error-rate and the attempt count for
	// max-reconnect-attempts-reached.
	Count int
}

// Name returns the signal name, resolving event-keyed signals to "<eventName>" and
// "<eventName>-finalized".
func (n Notification) Name() string {
	switch n.Signal {
	case SignalEvent:
		if n.Event != nil {
			return n.Event.Name
		}
	case SignalEventFinalized:
		if n.Event != nil {
			return n.Event.Name + "-finalized"
		}
	}
	return n.Signal.String()
}

// EntityRef names an on-ledger entity an event touched.
type EntityRef struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// EntityReferencer is implemented by event payloads that touch reconcilable entities.
type EntityReferencer interface {
	EntityRefs() []EntityRef
}

// EntityRefs returns the entities e touches, or nil when its payload names none.
func (e Event) EntityRefs() []EntityRef {
	if r, ok := e.Data.(EntityReferencer); ok {
		return r.EntityRefs()
	}
	return nil
}
