// Package nats publishes engine events to a NATS JetStream stream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// EventHeader carries the event name on every published message.
const EventHeader = "Fetch-Event"

// DefaultSubjectPrefix is used when Config.SubjectPrefix is empty.
const DefaultSubjectPrefix = "fetchengine"

// Config configures the connection and subject layout. Events are published
// on "<SubjectPrefix>.<event>".
type Config struct {
	URL           string
	SubjectPrefix string
	Username      string
	Password      string
}

type streamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes JSON payloads through JetStream and returns the
// stream sequence as the message id.
type Publisher struct {
	conn   *nats.Conn
	js     streamPublisher
	prefix string
}

// New wraps an existing JetStream handle. The caller keeps ownership of the
// underlying connection.
func New(js streamPublisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{js: js, prefix: prefix}
}

// Connect dials NATS and opens a JetStream context. Close drains the
// connection.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name("fetchengine"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	p := New(js, cfg.SubjectPrefix)
	p.conn = conn
	logger.Info("connected to nats", zap.String("server", conn.ConnectedUrl()))
	return p, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event string) string {
	if event == "" {
		return p.prefix
	}
	return p.prefix + "." + event
}

// Publish marshals the payload to JSON and waits for the stream to
// acknowledge it.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	if p == nil || p.js == nil {
		return "", errors.New("nats publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(p.Subject(event))
	msg.Data = data
	if event != "" {
		msg.Header.Set(EventHeader, event)
	}
	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return ack.Stream + ":" + strconv.FormatUint(ack.Sequence, 10), nil
}

// Close drains the connection when Connect created it.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
