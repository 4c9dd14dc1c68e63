// Package telemetry publishes device lifecycle events to NATS.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var ErrMissingURL = errors.New("telemetry: missing nats url")

const DefaultSubject = "camlink.events"

// Event kinds.
const (
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
	KindCommandStart = "command.start"
	KindCommandEnd   = "command.end"
	KindRestart      = "restart"
)

// Event is one published record. Session groups events of one peer
// connection.
type Event struct {
	Kind      string    `json:"kind"`
	Device    string    `json:"device"`
	Session   string    `json:"session,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Command   string    `json:"command,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }
func (Nop) Close() error        { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type NATS struct {
	conn    Conn
	subject string
}

// Dial connects to url and publishes under subject and subject.<kind>.
func Dial(url, subject, name string) (*NATS, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrMissingURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("component", "telemetry").Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("component", "telemetry").Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect %s: %w", url, err)
	}
	log.Info().Str("component", "telemetry").Str("url", url).Str("subject", subject).Msg("nats connected")
	return NewNATS(nc, subject), nil
}

func NewNATS(conn Conn, subject string) *NATS {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject+"."+ev.Kind, data); err != nil {
		return fmt.Errorf("telemetry: publish %s: %w", ev.Kind, err)
	}
	return n.conn.Publish(n.subject, data)
}

func (n *NATS) Close() error {
	return n.conn.Drain()
}

// NewSession returns an id for a new peer connection.
func NewSession() string {
	return uuid.NewString()
}
