// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package main contains gateway main function to start the gateway service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/auth"
	"github.com/fleetbus/fleetbus/commands"
	cmdmiddleware "github.com/fleetbus/fleetbus/commands/middleware"
	commandspg "github.com/fleetbus/fleetbus/commands/postgres"
	"github.com/fleetbus/fleetbus/devices"
	devcache "github.com/fleetbus/fleetbus/devices/cache"
	devicespg "github.com/fleetbus/fleetbus/devices/postgres"
	"github.com/fleetbus/fleetbus/internal"
	"github.com/fleetbus/fleetbus/internal/env"
	fleetbuslog "github.com/fleetbus/fleetbus/pkg/logger"
	"github.com/fleetbus/fleetbus/pkg/messaging"
	redispubsub "github.com/fleetbus/fleetbus/pkg/messaging/redis"
	pgclient "github.com/fleetbus/fleetbus/pkg/postgres"
	"github.com/fleetbus/fleetbus/pkg/server"
	httpserver "github.com/fleetbus/fleetbus/pkg/server/http"
	"github.com/fleetbus/fleetbus/pkg/ticker"
	"github.com/fleetbus/fleetbus/pkg/uuid"
	adapter "github.com/fleetbus/fleetbus/ws"
	"github.com/fleetbus/fleetbus/ws/api"
)

const (
	svcName        = "gateway"
	envPrefixHTTP  = "FB_GATEWAY_HTTP_"
	envPrefixDB    = "FB_GATEWAY_DB_"
	defDB          = "fleetbus"
	defSvcHTTPPort = "8190"
)

type config struct {
	LogLevel          string        `env:"FB_GATEWAY_LOG_LEVEL"          envDefault:"info"`
	BrokerURL         string        `env:"FB_BROKER_URL"                 envDefault:"redis://localhost:6379/0"`
	CacheURL          string        `env:"FB_GATEWAY_CACHE_URL"          envDefault:"redis://localhost:6379/0"`
	JWTSecret         string        `env:"FB_GATEWAY_JWT_SECRET"         envDefault:"secret"`
	StatusTTL         time.Duration `env:"FB_GATEWAY_STATUS_TTL"         envDefault:"10m"`
	SessionTTL        time.Duration `env:"FB_GATEWAY_SESSION_TTL"        envDefault:"5m"`
	ClaimVisibility   time.Duration `env:"FB_GATEWAY_CLAIM_VISIBILITY"   envDefault:"5m"`
	CommandRetention  time.Duration `env:"FB_GATEWAY_COMMAND_RETENTION"  envDefault:"168h"`
	SweepInterval     time.Duration `env:"FB_GATEWAY_SWEEP_INTERVAL"     envDefault:"1h"`
	HeartbeatInterval time.Duration `env:"FB_GATEWAY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatGrace    time.Duration `env:"FB_GATEWAY_HEARTBEAT_GRACE"    envDefault:"90s"`
	InstanceID        string        `env:"FB_GATEWAY_INSTANCE_ID"        envDefault:""`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to load %s configuration : %s", svcName, err)
	}

	logger, err := fleetbuslog.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %s", err)
	}

	var exitCode int
	defer fleetbuslog.ExitWithError(&exitCode)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		if instanceID, err = uuid.New().ID(); err != nil {
			logger.Error(fmt.Sprintf("failed to generate instance ID: %s", err))
			exitCode = 1
			return
		}
	}

	dbConfig := pgclient.Config{Name: defDB}
	if err := env.Parse(&dbConfig, env.Options{Prefix: envPrefixDB}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s database configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	migrations := commandspg.Migration()
	migrations.Migrations = append(migrations.Migrations, devicespg.Migration().Migrations...)
	db, err := pgclient.Setup(dbConfig, migrations)
	if err != nil {
		logger.Error(err.Error())
		exitCode = 1
		return
	}
	defer db.Close()

	pubsub, err := redispubsub.NewPubSub(cfg.BrokerURL, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to connect to message broker: %s", err))
		exitCode = 1
		return
	}
	defer pubsub.Close()

	// The command queue gets its own publish connection so queue
	// notifications never contend with session fanout.
	pub, err := redispubsub.NewPublisher(cfg.BrokerURL)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to connect to message broker: %s", err))
		exitCode = 1
		return
	}
	defer pub.Close()

	cacheOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to parse cache URL: %s", err))
		exitCode = 1
		return
	}
	cacheClient := redis.NewClient(cacheOpts)
	defer cacheClient.Close()
	cache := devcache.NewCache(cacheClient, cfg.StatusTTL, cfg.SessionTTL)

	idp := uuid.New()
	cmdsvc := newCommandsService(idp, commandspg.NewRepository(db), pub, cfg.CommandRetention, logger)
	devRepo := devicespg.NewRepository(db)
	authn := auth.NewTokenizer([]byte(cfg.JWTSecret))

	registry := adapter.NewRegistry(pubsub, logger)
	defer registry.Cleanup()

	svc := newAdapterService(registry, pubsub, cmdsvc, devRepo, cache, authn, idp, logger, adapter.Config{
		ClaimVisibility: cfg.ClaimVisibility,
	})

	httpServerConfig := server.Config{Port: defSvcHTTPPort}
	if err := env.Parse(&httpServerConfig, env.Options{Prefix: envPrefixHTTP}); err != nil {
		logger.Error(fmt.Sprintf("failed to load %s HTTP server configuration : %s", svcName, err))
		exitCode = 1
		return
	}
	hs := httpserver.NewServer(ctx, cancel, svcName, httpServerConfig, api.MakeHandler(svc, logger, instanceID), logger)

	g.Go(func() error {
		return hs.Start()
	})

	g.Go(func() error {
		registry.StartHeartbeat(ctx, ticker.NewTicker(cfg.HeartbeatInterval), cfg.HeartbeatGrace)
		return nil
	})

	g.Go(func() error {
		return sweepLoop(ctx, cmdsvc, ticker.NewTicker(cfg.SweepInterval), logger)
	})

	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service terminated: %s", svcName, err))
	}
}

func newCommandsService(idp fleetbus.IDProvider, repo commands.Repository, pub messaging.Publisher, retention time.Duration, logger *slog.Logger) commands.Service {
	svc := commands.New(idp, repo, pub, retention)
	svc = cmdmiddleware.LoggingMiddleware(svc, logger)
	counter, latency := internal.MakeMetrics("commands", "api")
	svc = cmdmiddleware.MetricsMiddleware(svc, counter, latency)
	return svc
}

func newAdapterService(registry *adapter.Registry, pubsub messaging.PubSub, cmdsvc commands.Service, devRepo devices.Repository, cache devices.Cache, authn auth.Authenticator, idp fleetbus.IDProvider, logger *slog.Logger, cfg adapter.Config) adapter.Service {
	svc := adapter.New(registry, pubsub, cmdsvc, devRepo, cache, authn, idp, logger, cfg)
	svc = api.LoggingMiddleware(svc, logger)
	counter, latency := internal.MakeMetrics("gateway", "api")
	svc = api.MetricsMiddleware(svc, counter, latency)
	return svc
}

// sweepLoop periodically fails abandoned commands so queues of devices that
// never reconnect do not grow without bound.
func sweepLoop(ctx context.Context, svc commands.Service, tick ticker.Ticker, logger *slog.Logger) error {
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Tick():
			count, err := svc.Sweep(ctx)
			if err != nil {
				logger.Warn(fmt.Sprintf("failed to sweep abandoned commands: %s", err))
				continue
			}
			if count > 0 {
				logger.Info(fmt.Sprintf("swept %d abandoned commands", count))
			}
		}
	}
}
