// Package natsjudge answers execution requests published on NATS.
package natsjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type Config struct {
	URL        string
	Subject    string
	QueueGroup string
	// Timeout bounds a single request, queueing included.
	Timeout time.Duration
}

// Consumer subscribes in a queue group, so several judgebox instances share
// the load of one subject.
type Consumer struct {
	cfg    Config
	queue  *queue.Manager
	logger *zerolog.Logger

	nc       *nats.Conn
	sub      *nats.Subscription
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(cfg Config, q *queue.Manager, logger *zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{cfg: cfg, queue: q, logger: logger, ctx: ctx, cancel: cancel}
}

func (c *Consumer) Start() error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name("judgebox"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	sub, err := nc.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, c.handle)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.cfg.Subject, err)
	}

	c.nc, c.sub = nc, sub
	c.logger.Info().Str("subject", c.cfg.Subject).Str("queue_group", c.cfg.QueueGroup).Msg("nats consumer started")
	return nil
}

// handle runs on the subscription goroutine, so the work moves elsewhere to
// keep messages flowing to the workers.
func (c *Consumer) handle(msg *nats.Msg) {
	if msg.Reply == "" {
		c.logger.Warn().Str("subject", msg.Subject).Msg("dropping request without reply subject")
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if err := msg.Respond(c.process(msg.Data)); err != nil {
			c.logger.Error().Err(err).Msg("failed to respond to nats request")
		}
	}()
}

func (c *Consumer) process(data []byte) []byte {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()

	reply := c.queue.Process(ctx, data)
	if reply.Error != "" {
		c.logger.Warn().Str("id", reply.ID).Str("error", reply.Error).Msg("nats request failed")
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"error":"failed to encode reply"}`)
	}
	return out
}

// Stop drains the subscription, waits for in-flight requests and closes the
// connection.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drain nats subscription")
		}
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.cancel()
	}

	if c.nc != nil {
		c.nc.Close()
	}
	c.cancel()
	return nil
}
