package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/nats-io/nats.go"
)

func TestStartDisabled(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Embedded = true
	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv != nil {
		t.Fatalf("expected no server while the bus is disabled, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestStartAcceptsConnections(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.EmbeddedPort = 0

	srv, err := Start(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if !nc.IsConnected() {
		t.Fatal("expected connected client")
	}
}
