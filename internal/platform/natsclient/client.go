// Package natsclient is a small JetStream publishing client.
package natsclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

var errNotConnected = errors.New("nats client not connected")

// Config controls the connection and the stream the client ensures exists.
type Config struct {
	URL      string
	Name     string
	Stream   string
	Subjects []string
}

// Client publishes messages to JetStream.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log zerolog.Logger
}

// Connect dials NATS and ensures the configured stream exists.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	if cfg.Stream != "" && len(cfg.Subjects) > 0 {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: cfg.Subjects,
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
		}
	}

	return &Client{nc: nc, js: js, log: log}, nil
}

// Publish sends data on subject. msgID, when set, enables JetStream
// de-duplication of redelivered publishes.
func (c *Client) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	if c == nil || c.js == nil {
		return errNotConnected
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	_, err := c.js.Publish(ctx, subject, data, opts...)
	return err
}

// Close drains the connection.
func (c *Client) Close() {
	if c != nil && c.nc != nil {
		_ = c.nc.Drain()
	}
}
