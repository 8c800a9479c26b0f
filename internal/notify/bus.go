package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the bus needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type NATSConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// ConnectNATS opens a NATS connection that logs disconnects and reconnects.
func ConnectNATS(cfg NATSConfig, log zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

type envelope struct {
	Recipient Recipient `json:"recipient"`
	Message   Message   `json:"message"`
}

// Bus hands messages to the push and email gateways over NATS.
// Responders go to "<prefix>.push.<kind>.<id>", contacts to "<prefix>.email" and
// incident rooms to "<prefix>.incident.<id>".
type Bus struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

func NewBus(pub Publisher, prefix string, log zerolog.Logger) *Bus {
	return &Bus{pub: pub, prefix: prefix, log: log.With().Str("component", "nats_bus").Logger()}
}

func (b *Bus) Subject(to Recipient) string {
	switch to.Kind {
	case KindContact:
		return b.prefix + ".email"
	case KindIncident:
		return b.prefix + ".incident." + to.ID
	default:
		return b.prefix + ".push." + to.Kind + "." + to.ID
	}
}

func (b *Bus) Deliver(ctx context.Context, to Recipient, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{Recipient: to, Message: msg})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	subject := b.Subject(to)
	if err := b.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.log.Debug().Str("subject", subject).Str("type", string(msg.Type)).Msg("message published")
	return nil
}
