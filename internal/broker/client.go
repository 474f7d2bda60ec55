/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package broker maintains the gateway's single connection to the
// JetStream-backed message broker: idempotent stream provisioning and
// at-least-once publish with bounded retry.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sethvargo/go-retry"
)

// Config configures the broker connection, stream provisioning, and
// publish retry policy. Zero values fall back to the defaults applied by
// withDefaults: a 2s reconnect wait, 180 days and 2,000,000 messages of
// retention, and 10 publish attempts starting from a 1s backoff.
type Config struct {
	URL   string
	Token string

	// ReconnectWait is the fixed backoff NATS waits between reconnect
	// attempts. Reconnection itself is unbounded.
	ReconnectWait time.Duration

	// StreamMaxAge and StreamMaxMsgs bound a newly created stream's
	// retention. They are never applied to a stream that already exists.
	StreamMaxAge  time.Duration
	StreamMaxMsgs int64

	// PublishMaxAttempts and PublishBaseBackoff govern the exponential
	// backoff applied to transient publish failures.
	PublishMaxAttempts uint64
	PublishBaseBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 180 * 24 * time.Hour
	}
	if c.StreamMaxMsgs <= 0 {
		c.StreamMaxMsgs = 2_000_000
	}
	if c.PublishMaxAttempts == 0 {
		c.PublishMaxAttempts = 10
	}
	if c.PublishBaseBackoff <= 0 {
		c.PublishBaseBackoff = 1 * time.Second
	}
	return c
}

// jetstreamer is the slice of jetstream.JetStream that Client depends on.
// Narrowing it to an interface lets tests substitute a fake instead of
// dialing a real broker.
type jetstreamer interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Client is a single, long-lived, concurrency-safe connection to the
// broker. The *nats.Conn it wraps already multiplexes requests from all
// callers and reconnects transparently; Client adds idempotent stream
// provisioning and bounded-retry publish on top of it.
type Client struct {
	cfg    Config
	logger logr.Logger
	conn   *nats.Conn
	js     jetstreamer
}

// Connect dials the broker. It blocks until the first connection succeeds
// or nats.Connect fails: RetryOnFailedConnect is not set, so nats.Connect
// makes a single pass over the server list and returns an error if none
// answers. Once connected, reconnection is unbounded and transparent to
// callers.
func Connect(ctx context.Context, cfg Config, logger logr.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	logger = logger.WithName("broker")

	opts := []nats.Option{
		nats.Name("webhook-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, "disconnected from broker")
			} else {
				logger.Info("disconnected from broker")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("broker connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error(err, "broker connection error", "subject", subject)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker %q: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing jetstream: %w", err)
	}

	return &Client{cfg: cfg, logger: logger, conn: conn, js: js}, nil
}

// EnsureStream creates the named stream with the configured retention if it
// does not already exist. An existing stream is left untouched —
// reconfiguring it is out of scope.
func (c *Client) EnsureStream(ctx context.Context, name string, subjects []string) error {
	_, err := c.js.Stream(ctx, name)
	if err == nil {
		c.logger.V(1).Info("stream already provisioned", "stream", name)
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream %q: %w", name, err)
	}

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		Storage:   jetstream.FileStorage,
		MaxAge:    c.cfg.StreamMaxAge,
		MaxMsgs:   c.cfg.StreamMaxMsgs,
	})
	if err != nil {
		return fmt.Errorf("creating stream %q: %w", name, err)
	}

	c.logger.Info("stream provisioned", "stream", name, "subjects", subjects)
	return nil
}

// Publish guarantees that either the broker has acknowledged receipt of
// data on subject, or it returns an error. Transient errors are retried
// with exponential backoff (factor 2, starting at PublishBaseBackoff) up to
// PublishMaxAttempts; everything else, and cancellation of ctx, is
// surfaced immediately without further retries.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	backoff := retry.NewExponential(c.cfg.PublishBaseBackoff)
	backoff = retry.WithMaxRetries(c.cfg.PublishMaxAttempts-1, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := c.js.Publish(ctx, subject, data)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// Close drains in-flight publishes and closes the broker connection.
func (c *Client) Close() error {
	return c.conn.Drain()
}

// isTransient reports whether err is the kind of broker failure that a
// retry can plausibly resolve: a connection problem, a deadline, or the
// stream not existing yet. Anything else (invalid subject, rejected
// authentication, oversize message) is permanent.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, jetstream.ErrStreamNotFound):
		return true
	default:
		return false
	}
}
