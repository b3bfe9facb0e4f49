package change

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event validation errors.
var (
	ErrMalformedEvent = errors.New("malformed change event")
	ErrEmptyBatch     = errors.New("change batch is empty")
)

// Payload is the tagged union of single and batched changes.
// It is implemented only by Single and Multiple.
type Payload interface {
	ChangeType() ChangeType
	Aggregates() []Document
	isPayload()
}

// Single carries exactly one changed aggregate.
type Single struct {
	Change Document
}

// ChangeType implements Payload.
func (Single) ChangeType() ChangeType { return ChangeSingle }

// Aggregates implements Payload.
func (s Single) Aggregates() []Document {
	if s.Change == nil {
		return nil
	}
	return []Document{s.Change}
}

func (Single) isPayload() {}

// Multiple carries an ordered batch of changed aggregates.
type Multiple struct {
	Changes []Document
}

// ChangeType implements Payload.
func (Multiple) ChangeType() ChangeType { return ChangeMultiple }

// Aggregates implements Payload.
func (m Multiple) Aggregates() []Document { return m.Changes }

func (Multiple) isPayload() {}

// Event is the unit of synchronization.
type Event struct {
	// ID identifies the event for diagnostics only.
	ID string

	Kind Kind
	Type EventType

	// ActorID is the principal whose write produced the event.
	ActorID string

	OccurredAt time.Time

	Payload Payload
}

// NewSingle creates an event for a write affecting one aggregate.
func NewSingle(kind Kind, eventType EventType, actorID string, doc Document) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		Type:       eventType,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
		Payload:    Single{Change: doc},
	}
}

// NewMultiple creates one event for a bulk write.
func NewMultiple(kind Kind, eventType EventType, actorID string, docs []Document) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Kind:       kind,
		Type:       eventType,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
		Payload:    Multiple{Changes: docs},
	}
}

// ChangeType returns the discriminator of the payload, or "" when the event has none.
func (e *Event) ChangeType() ChangeType {
	if e == nil || e.Payload == nil {
		return ""
	}
	return e.Payload.ChangeType()
}

// Aggregates normalizes the payload into an ordered list of aggregates.
func (e *Event) Aggregates() []Document {
	if e == nil || e.Payload == nil {
		return nil
	}
	return e.Payload.Aggregates()
}

// WithAggregates returns a copy of the event carrying docs in the same payload shape.
func (e *Event) WithAggregates(docs []Document) *Event {
	out := *e
	switch e.Payload.(type) {
	case Single:
		var doc Document
		if len(docs) > 0 {
			doc = docs[0]
		}
		out.Payload = Single{Change: doc}
	default:
		out.Payload = Multiple{Changes: docs}
	}
	return &out
}

// Validate checks the event invariants.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrMalformedEvent, e.Kind)
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, e.Type)
	}
	switch p := e.Payload.(type) {
	case Single:
		if p.Change == nil {
			return fmt.Errorf("%w: single event without change", ErrMalformedEvent)
		}
		if p.Change.ID() == "" {
			return fmt.Errorf("%w: change without id", ErrMalformedEvent)
		}
	case Multiple:
		for i, doc := range p.Changes {
			if doc.ID() == "" {
				return fmt.Errorf("%w: change %d without id", ErrMalformedEvent, i)
			}
		}
	default:
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	return nil
}

type wireEvent struct {
	ID         string          `json:"id,omitempty"`
	EntityKind Kind            `json:"entityKind"`
	EventType  EventType       `json:"eventType"`
	ChangeType ChangeType      `json:"changeType"`
	Change     json.RawMessage `json:"change,omitempty"`
	Changes    json.RawMessage `json:"changes,omitempty"`
	ActorID    string          `json:"actorId"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// MarshalJSON encodes the event with its changeType discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:         e.ID,
		EntityKind: e.Kind,
		EventType:  e.Type,
		ActorID:    e.ActorID,
		OccurredAt: e.OccurredAt,
	}

	var err error
	switch p := e.Payload.(type) {
	case Single:
		w.ChangeType = ChangeSingle
		w.Change, err = json.Marshal(p.Change)
	case Multiple:
		w.ChangeType = ChangeMultiple
		changes := p.Changes
		if changes == nil {
			changes = []Document{}
		}
		w.Changes, err = json.Marshal(changes)
	default:
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the event and rejects frames whose populated field
// does not match the changeType tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	hasChange := present(w.Change)
	hasChanges := present(w.Changes)

	var payload Payload
	switch w.ChangeType {
	case ChangeSingle:
		if !hasChange || hasChanges {
			return fmt.Errorf("%w: single event must carry only change", ErrMalformedEvent)
		}
		var doc Document
		if err := json.Unmarshal(w.Change, &doc); err != nil {
			return fmt.Errorf("%w: change: %w", ErrMalformedEvent, err)
		}
		payload = Single{Change: doc}
	case ChangeMultiple:
		if !hasChanges || hasChange {
			return fmt.Errorf("%w: multiple event must carry only changes", ErrMalformedEvent)
		}
		var docs []Document
		if err := json.Unmarshal(w.Changes, &docs); err != nil {
			return fmt.Errorf("%w: changes: %w", ErrMalformedEvent, err)
		}
		payload = Multiple{Changes: docs}
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrMalformedEvent, w.ChangeType)
	}

	*e = Event{
		ID:         w.ID,
		Kind:       w.EntityKind,
		Type:       w.EventType,
		ActorID:    w.ActorID,
		OccurredAt: w.OccurredAt,
		Payload:    payload,
	}
	return nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Decode parses and validates a wire-encoded event.
func Decode(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &evt, nil
}
