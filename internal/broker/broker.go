// Package broker is the cross-process fan-out extension point spec.md
// §9 calls "the natural next step" for moving beyond a single gateway
// process: a Broadcaster interface with a no-op local implementation
// (the default, preserving the single-process guarantee of spec.md §1)
// and an optional NATS-backed implementation, adapted from this same
// author's pkg/nats client (go-server/pkg/nats/client.go) in the
// retrieval pack.
package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AcceptedMessage is what gets published to other gateway processes when
// a message is accepted locally, so they can fan it out to their own
// connected sockets for the same room.
type AcceptedMessage struct {
	RoomCode        string    `json:"roomCode"`
	MessageID       string    `json:"messageId"`
	SenderSessionID string    `json:"senderSessionId"`
	SenderNickname  string    `json:"senderNickname"`
	Content         string    `json:"content"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Broadcaster publishes accepted messages to other gateway processes and
// lets this process subscribe to messages accepted elsewhere.
type Broadcaster interface {
	Publish(msg AcceptedMessage) error
	Subscribe(handler func(AcceptedMessage)) error
	Close()
}

// Local is the default, single-process Broadcaster: Publish is a no-op
// and nothing is ever delivered to Subscribe, because in single-process
// mode every room's entire roster is already local.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (Local) Publish(AcceptedMessage) error             { return nil }
func (Local) Subscribe(func(AcceptedMessage)) error { return nil }
func (Local) Close()                                    {}

// NATS fans accepted messages out over a NATS subject per room, so
// multiple gateway processes behind a load balancer can share one
// logical room. Subject naming: "spoilerchat.room.<roomCode>".
type NATS struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	subsMu  sync.Mutex
	subs    []*nats.Subscription
}

// NATSConfig mirrors the reconnect/ping tuning the teacher's nats client
// exposes.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// ConnectNATS dials the configured NATS server. Intended to be called
// only when NATS_URL is set; callers should fall back to Local otherwise.
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}

	n := &NATS{logger: logger}

	opts := []nats.Option{
		// This process fans out its own accepted messages locally, so it
		// must not receive its own publications back on Subscribe.
		nats.NoEcho(),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats broker")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("disconnected from nats broker")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats broker")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			n.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	n.conn = conn
	return n, nil
}

func subjectFor(roomCode string) string { return "spoilerchat.room." + roomCode }

func (n *NATS) Publish(msg AcceptedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.conn.Publish(subjectFor(msg.RoomCode), data)
}

// Subscribe attaches handler to every room subject via a wildcard
// subscription, mirroring the teacher's Subscribe(subject, handler).
func (n *NATS) Subscribe(handler func(AcceptedMessage)) error {
	sub, err := n.conn.Subscribe("spoilerchat.room.*", func(m *nats.Msg) {
		var msg AcceptedMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			n.logger.Warn().Err(err).Msg("dropping malformed broker message")
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	n.subsMu.Lock()
	n.subs = append(n.subs, sub)
	n.subsMu.Unlock()
	return nil
}

func (n *NATS) Close() {
	n.subsMu.Lock()
	for _, s := range n.subs {
		_ = s.Unsubscribe()
	}
	n.subsMu.Unlock()
	n.conn.Close()
}
