// Package pushbus feeds push messages published on NATS into the agent's
// notification presenter.
package pushbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// HandlerFunc handles one push payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

type Subscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	handle  HandlerFunc
	log     zerolog.Logger
	timeout time.Duration
}

// Subscribe connects to url and delivers every message on subject to handle.
// Connection loss is retried forever in the background.
func Subscribe(url, subject string, handle HandlerFunc, log zerolog.Logger) (*Subscriber, error) {
	s := &Subscriber{
		handle:  handle,
		log:     log,
		timeout: 30 * time.Second,
	}
	conn, err := nats.Connect(
		url,
		nats.Name("clinicedge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sub, err := conn.Subscribe(subject, s.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.conn = conn
	s.sub = sub
	log.Info().Str("subject", subject).Msg("listening for push messages")
	return s, nil
}

// Close drains the subscription so in-flight messages finish.
func (s *Subscriber) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.handle(ctx, msg.Data)
	if err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject).Msg("push message")
	}
	if msg.Reply == "" {
		return
	}
	r := reply{OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	data, _ := json.Marshal(r)
	if rerr := msg.Respond(data); rerr != nil {
		s.log.Warn().Err(rerr).Msg("reply to push message")
	}
}
