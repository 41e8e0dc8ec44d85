package eventsourced

import (
	"time"

	"github.com/aneshas/eventsourced/broker"
)

// SeqNo is a per entity sequence number. 0 means no events yet.
type SeqNo uint64

// Event represents an event that is to be appended to an entity stream
type Event struct {
	// Type is the codec type name of the payload
	Type    string
	Payload []byte

	// Optional
	ID         string
	Meta       map[string]string
	OccurredOn time.Time
}

// EventRecord is an appended event along with its assigned sequence and store position
type EventRecord struct {
	Event

	EntityType string
	EntityID   string
	SeqNo      SeqNo

	// Position is the store wide position, ascending across entities of a type
	Position uint64
}

// Snapshot holds entity state after applying all events up to and including SeqNo
type Snapshot struct {
	EntityType string
	EntityID   string
	SeqNo      SeqNo
	State      []byte
}

func recordOf(rec broker.Record) EventRecord {
	return EventRecord{
		Event: Event{
			Type:       rec.EventType,
			Payload:    rec.Payload,
			ID:         rec.EventID,
			Meta:       rec.Meta,
			OccurredOn: rec.OccurredOn,
		},
		EntityType: rec.Subject.Type,
		EntityID:   rec.Subject.ID,
		SeqNo:      SeqNo(rec.SeqNo),
		Position:   rec.Position,
	}
}
