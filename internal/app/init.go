package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tarnlabs/ollama-proxy/internal/auth"
	"github.com/tarnlabs/ollama-proxy/internal/logger"
	"github.com/tarnlabs/ollama-proxy/internal/metrics"
	"github.com/tarnlabs/ollama-proxy/internal/proxy"
	"github.com/tarnlabs/ollama-proxy/internal/trust"
	"github.com/tarnlabs/ollama-proxy/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when TRUST_BACKEND=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Trust.Backend == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the trust store, keyring, forwarder, metrics registry,
// and the async access logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Trust.Backend {
	case "redis":
		// Wraps the already-connected client; survives proxy restarts.
		a.trustStore = trust.NewRedisStoreFromClient(a.rdb, a.cfg.Trust.Window)
		a.log.Info("trust backend: redis")

	case "memory":
		// In-process table — zero external dependencies, not shared across replicas.
		a.trustStore = trust.NewMemoryStore(a.baseCtx, a.cfg.Trust.Window, nil)
		a.log.Info("trust backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown trust backend: %s", a.cfg.Trust.Backend)
	}

	a.keyring = auth.NewKeyring(a.cfg.APIKeys)
	a.log.Info("api keys loaded", slog.Int("count", a.keyring.Len()))

	fwd, err := upstream.New(a.cfg.OllamaBaseURL, a.cfg.Upstream.Timeout, a.cfg.Upstream.HealthTimeout, a.log)
	if err != nil {
		return fmt.Errorf("forwarder: %w", err)
	}
	a.fwd = fwd

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("access logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(a.keyring, a.trustStore, a.fwd, proxy.Options{
		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
		TrustedAgents: a.cfg.TrustedAgents,
		TrustWindow:   a.cfg.Trust.Window,
		CORSOrigins:   a.cfg.CORSOrigins,
		Version:       a.version,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
