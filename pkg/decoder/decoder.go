// Package decoder turns raw program log lines into typed events.
//
// Events are emitted by the program as "Program data: <base64>" lines. The payload starts with an
// 8-byte discriminator, the first 8 bytes of sha256("event:<EventName>"), followed by the
// Borsh-encoded event struct. Lines are attributed to a program by following the runtime's
// "Program <id> invoke [n]" / "Program <id> success" / "Program <id> failed" markers, so data
// emitted by other programs in the same transaction is ignored.
package decoder

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/ava-labs/ledger-sync/pkg/bus"
)

var (
	// ErrMalformed reports log content that cannot be decoded.
	ErrMalformed = errors.New("malformed event data")
	// ErrUnknownEvent reports a discriminator with no registered event.
	ErrUnknownEvent = errors.New("unknown event discriminator")
)

const (
	programDataPrefix = "Program data: "
	programPrefix     = "Program "
)

// Discriminator is the 8-byte type tag at the start of events and accounts.
type Discriminator [8]byte

func discriminator(namespace, name string) Discriminator {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// EventDiscriminator returns the discriminator of the named event.
func EventDiscriminator(name string) Discriminator {
	return discriminator("event", name)
}

// AccountDiscriminator returns the discriminator of the named account type.
func AccountDiscriminator(name string) Discriminator {
	return discriminator("account", name)
}

// Decoder parses the log lines of one transaction into events. Implementations return an
// error instead of panicking on malformed input.
type Decoder interface {
	Decode(logs []string) ([]bus.Event, error)
}

// EventSpec describes one event type of a program.
type EventSpec struct {
	Kind bus.Kind
	Name string
	// Decode reads the payload that follows the discriminator.
	Decode func(r *Reader) (any, error)
}

// ProgramDecoder decodes events of a single program.
type ProgramDecoder struct {
	program string
	specs   map[Discriminator]EventSpec
}

var _ Decoder = (*ProgramDecoder)(nil)

// NewProgramDecoder returns a decoder for the events of program.
func NewProgramDecoder(program string, specs []EventSpec) (*ProgramDecoder, error) {
	if program == "" {
		return nil, errors.New("invalid program: must not be empty")
	}
	if len(specs) == 0 {
		return nil, errors.New("invalid event specs: must not be empty")
	}
	byDisc := make(map[Discriminator]EventSpec, len(specs))
	for _, s := range specs {
		if s.Name == "" || s.Decode == nil {
			return nil, fmt.Errorf("invalid event spec %q: name and decode func are required", s.Name)
		}
		d := EventDiscriminator(s.Name)
		if _, dup := byDisc[d]; dup {
			return nil, fmt.Errorf("duplicate event spec %q", s.Name)
		}
		byDisc[d] = s
	}
	return &ProgramDecoder{program: program, specs: byDisc}, nil
}

// Decode returns the events the program emitted, in log order. Data lines are decoded when the
// program is the innermost executing program, or when the batch has no invocation markers.
func (d *ProgramDecoder) Decode(logs []string) ([]bus.Event, error) {
	var (
		stack  []string
		events []bus.Event
	)
	for i, line := range logs {
		if data, ok := strings.CutPrefix(line, programDataPrefix); ok {
			if len(stack) > 0 && stack[len(stack)-1] != d.program {
				continue
			}
			e, err := d.decodeData(data)
			if err != nil {
				return nil, fmt.Errorf("log line %d: %w", i, err)
			}
			events = append(events, e)
			continue
		}

		rest, ok := strings.CutPrefix(line, programPrefix)
		if !ok {
			continue
		}
		id, verb, ok := strings.Cut(rest, " ")
		// "Program log:", "Program return:" and similar lines are not invocation markers.
		if !ok || strings.HasSuffix(id, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(verb, "invoke ["):
			stack = append(stack, id)
		case verb == "success", strings.HasPrefix(verb, "failed"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return events, nil
}

func (d *ProgramDecoder) decodeData(data string) (bus.Event, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return bus.Event{}, fmt.Errorf("%w: invalid base64: %v", ErrMalformed, err)
	}
	if len(raw) < len(Discriminator{}) {
		return bus.Event{}, fmt.Errorf("%w: payload shorter than discriminator", ErrMalformed)
	}
	var disc Discriminator
	copy(disc[:], raw)
	spec, ok := d.specs[disc]
	if !ok {
		return bus.Event{}, fmt.Errorf("%w: %x", ErrUnknownEvent, disc)
	}

	r := NewReader(raw[len(disc):])
	payload, err := spec.Decode(r)
	if err == nil {
		err = r.Err()
	}
	if err != nil {
		return bus.Event{}, fmt.Errorf("decoding %s: %w", spec.Name, err)
	}
	return bus.Event{Kind: spec.Kind, Name: spec.Name, Data: payload}, nil
}
