package bootstrap

import (
	"context"
	"net/http"
	"time"

	"castellan/config"
	"castellan/registry"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// InitTransport builds the transport the registry uses to reach pipeline
// instances. The returned close func releases the NATS connection, if any.
func InitTransport(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (registry.CommandTransport, func(), error) {
	if cfg.Transport.Type != config.TransportNATS {
		client := &http.Client{
			Timeout: cfg.Transport.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		sugar.Infow("Instance transport initialized", "type", config.TransportHTTP, "timeout", cfg.Transport.Timeout)
		return registry.NewHTTPTransport(client), func() { client.CloseIdleConnections() }, nil
	}

	opts := []nats.Option{
		nats.Name(cfg.NATS.Name),
		nats.Timeout(cfg.Transport.Timeout),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				sugar.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			sugar.Infow("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(cfg.NATS.Token))
	}

	conn, err := connectWithRetry(ctx, "NATS", cfg.NATS.URL, sugar, func(context.Context) (*nats.Conn, error) {
		return nats.Connect(cfg.NATS.URL, opts...)
	})
	if err != nil {
		return nil, nil, err
	}
	sugar.Infow("Instance transport initialized", "type", config.TransportNATS, "url", cfg.NATS.URL)
	return registry.NewNATSTransport(conn), func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}, nil
}
