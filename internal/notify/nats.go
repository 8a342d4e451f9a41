// Package notify is the push-notification dispatch collaborator. When an
// event targets a user with no live connection, the payload is published on
// a NATS subject for an out-of-process push worker to deliver through the
// device-token provider. This channel is out-of-band only; realtime fan-out
// to connected clients never goes through it.
package notify

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPush is the subject prefix push payloads are published on,
// completed with the target user id: push.send.<user_id>.
const SubjectPush = "push.send"

// Dispatcher delivers a payload to a user's registered devices out-of-band.
type Dispatcher interface {
	DispatchPush(userID string, payload []byte) error
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "loopchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSDispatcher publishes push payloads to NATS.
type NATSDispatcher struct {
	conn *nats.Conn
}

// NewNATSDispatcher connects to NATS with the given config and returns a
// ready dispatcher. It returns an error if the initial connection fails.
func NewNATSDispatcher(config Config) (*NATSDispatcher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("notify: nats disconnected: %v", err)
			} else {
				log.Printf("notify: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("notify: nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("notify: nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}

	log.Printf("notify: connected to %s", nc.ConnectedUrl())
	return &NATSDispatcher{conn: nc}, nil
}

// DispatchPush publishes the payload on push.send.<user_id>.
func (d *NATSDispatcher) DispatchPush(userID string, payload []byte) error {
	subject := SubjectPush + "." + userID
	if err := d.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (d *NATSDispatcher) Close() {
	if err := d.conn.Drain(); err != nil {
		log.Printf("notify: nats drain: %v", err)
	}
}
