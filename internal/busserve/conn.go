package busserve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// ConnConfig describes how to reach the bus.
type ConnConfig struct {
	Servers        []string
	Name           string
	ConnectTimeout time.Duration
	Token          string
	Username       string
	Password       string
}

// Connect dials the configured servers.
func Connect(cfg ConnConfig, log *slog.Logger) (*nats.Conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("busserve: no NATS servers configured")
	}
	if cfg.Name == "" {
		cfg.Name = "koko"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("busserve: connect to nats: %w", err)
	}
	log.Info("connected to NATS", "servers", url)
	return nc, nil
}

// Embedded is an in-process NATS server for single-binary deployments.
type Embedded struct {
	ns  *server.Server
	log *slog.Logger
}

// StartEmbedded runs a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(ctx context.Context, host string, port int, log *slog.Logger) (*Embedded, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("busserve: create embedded nats: %w", err)
	}
	go ns.Start()

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !ns.ReadyForConnections(timeout) {
		ns.Shutdown()
		return nil, errors.New("busserve: embedded nats did not become ready")
	}
	log.Info("embedded NATS server started", "url", ns.ClientURL())
	return &Embedded{ns: ns, log: log}, nil
}

// URL returns the client URL of the embedded server.
func (e *Embedded) URL() string { return e.ns.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
