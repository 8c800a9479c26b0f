// Package notify delivers dispatch messages to responders, incident watchers and
// emergency contacts. Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lifeline/dispatch/pkg/e"
)

type MessageType string

const (
	TypeAssignment     MessageType = "assignment"
	TypeOffer          MessageType = "offer"
	TypeOfferWithdrawn MessageType = "offer_withdrawn"
	TypeStatusUpdate   MessageType = "status_update"
	TypeContactAlert   MessageType = "contact_alert"
	TypeIncidentClosed MessageType = "incident_closed"
)

// Recipient kinds outside the responder registries.
const (
	KindIncident = "incident"
	KindContact  = "contact"
)

type Recipient struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Message struct {
	ID         string         `json:"id"`
	Type       MessageType    `json:"type"`
	IncidentID string         `json:"incident_id,omitempty"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Deliverer interface {
	Deliver(ctx context.Context, to Recipient, msg Message) error
}

// Multi fans a message out to every deliverer and joins their failures.
type Multi []Deliverer

func (m Multi) Deliver(ctx context.Context, to Recipient, msg Message) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, to, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", e.ErrDelivery, errors.Join(errs...))
}

// LogSink records deliveries in the log only.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notify").Logger()}
}

func (s *LogSink) Deliver(_ context.Context, to Recipient, msg Message) error {
	s.log.Info().
		Str("incident_id", msg.IncidentID).
		Str("kind", to.Kind).
		Str("recipient_id", to.ID).
		Str("type", string(msg.Type)).
		Msg(msg.Title)
	return nil
}
