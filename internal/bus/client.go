package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client publishes finished exchanges to NATS.
type Client struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("loqa-relay"),
		nats.Timeout(cfg.ConnectTimeoutDuration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", slog.String("server", c.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:    conn,
		subject: cfg.Subject,
		log:     log,
	}, nil
}

// Subject returns the subject an exchange event is published on.
func (c *Client) Subject(evt protocol.ExchangeEvent) string {
	if evt.FailedStage != "" || evt.Error != "" {
		return c.subject + "." + protocol.SubjectSuffixFailed
	}
	return c.subject + "." + protocol.SubjectSuffixCompleted
}

// Record publishes evt. Publishing is fire-and-forget; delivery is not
// confirmed.
func (c *Client) Record(_ context.Context, evt protocol.ExchangeEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.Subject(evt), data); err != nil {
		return fmt.Errorf("publish exchange: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

