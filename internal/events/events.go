// Package events publishes enrollment and verification outcomes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix prefixes the NATS subject of every event type.
const SubjectPrefix = "faceauth."

// Type names an event kind.
type Type string

const (
	TypeEnrolled   Type = "identity.enrolled"
	TypeReenrolled Type = "identity.reenrolled"
	TypeVerified   Type = "identity.verified"
	TypeRejected   Type = "identity.rejected"
	TypeIdentified Type = "identity.identified"
	TypeUnknown    Type = "identity.unknown"
	TypeDeleted    Type = "identity.deleted"
)

// Event is one published outcome. Distance is omitted for events without a match.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     Type      `json:"type"`
	FaceID   string    `json:"face_id,omitempty"`
	Distance *float64  `json:"distance,omitempty"`
	Samples  int       `json:"samples,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher publishes events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewNATS constructs a publisher on an existing NATS connection.
func NewNATS(log *slog.Logger, nc *nats.Conn) Publisher {
	return &natsPublisher{log: log, nc: nc}
}

// Connect dials NATS and returns a publisher plus the connection to close on shutdown.
func Connect(log *slog.Logger, url string) (Publisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("face-auth"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}
	return NewNATS(log, nc), nc, nil
}

type natsPublisher struct {
	log *slog.Logger
	nc  *nats.Conn
}

func (p *natsPublisher) Publish(_ context.Context, event Event) error {
	event, err := prepare(event)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(Subject(event.Type), body); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	p.log.Debug("event published", "id", event.ID, "type", event.Type, "face_id", event.FaceID)
	return nil
}

// Subject returns the NATS subject for an event type.
func Subject(t Type) string {
	return SubjectPrefix + string(t)
}

// prepare fills the id and timestamp of an event.
func prepare(event Event) (Event, error) {
	if event.Type == "" {
		return event, errors.New("event type required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return event, nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	events chan Event
}

// NewRecorder creates a recorder buffering up to size events; later events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	event, err := prepare(event)
	if err != nil {
		return err
	}
	select {
	case r.events <- event:
	default:
	}
	return nil
}

// Events drains the recorded events.
func (r *Recorder) Events() []Event {
	var out []Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// Ptr returns a pointer to d, for Event.Distance.
func Ptr(d float64) *float64 {
	return &d
}
