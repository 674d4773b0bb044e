package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/access"
	cacheadapter "github.com/smallbiznis/agentkey/internal/adapter/cache"
	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/bootstrap"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/config"
	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/encryption"
	httptransport "github.com/smallbiznis/agentkey/internal/http"
	"github.com/smallbiznis/agentkey/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/agentkey/internal/http/middleware"
	"github.com/smallbiznis/agentkey/internal/jwt"
	"github.com/smallbiznis/agentkey/internal/keyring"
	apimiddleware "github.com/smallbiznis/agentkey/internal/middleware"
	"github.com/smallbiznis/agentkey/internal/repository"
	"github.com/smallbiznis/agentkey/internal/repository/sqlite"
	"github.com/smallbiznis/agentkey/internal/rotation"
	"github.com/smallbiznis/agentkey/internal/server"
	"github.com/smallbiznis/agentkey/internal/telemetry"
	"github.com/smallbiznis/agentkey/internal/token"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		if err := runKeygen(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newClock,
			newStore,
			newKeyRings,
			newKeyReloader,
			newCipher,
			newAuditSink,
			newGate,
			credential.NewMetadataValidator,
			newCredentialService,
			newTokenGenerator,
			newTokenService,
			newRedisClient,
			newLocker,
			newScheduler,
			newRateLimiter,
			newAuthMiddleware,
			newVaultHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, watchKeyReload, startScheduler, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake(cfg config.Config, logger *zap.Logger) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	logger.Info("audit id node", zap.Int64("node_id", cfg.NodeID))
	return node, nil
}

func newClock() clock.Clock {
	return clock.Real()
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.Store, error) {
	var store repository.Store
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		store = s
	default:
		pool, err := newPGXPool(cfg)
		if err != nil {
			return nil, err
		}
		store = repository.NewPostgresStore(pool)
	}
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newPGXPool(cfg config.Config) (*pgxpool.Pool, error) {
	if err := repository.MigratePostgres(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type keyRings struct {
	data    *keyring.Manager
	signing *keyring.Manager
}

func newKeyRings(cfg config.Config) (keyRings, error) {
	data, err := keyring.NewRing(cfg.EncryptionKeys, keyring.DataKeySize, true)
	if err != nil {
		return keyRings{}, fmt.Errorf("encryption keys: %w", err)
	}
	signing, err := keyring.NewRing(cfg.SigningKeys, keyring.MinSigningKeySize, false)
	if err != nil {
		return keyRings{}, fmt.Errorf("signing keys: %w", err)
	}
	return keyRings{data: keyring.NewManager(data), signing: keyring.NewManager(signing)}, nil
}

func newKeyReloader(keys keyRings, logger *zap.Logger) *keyring.Reloader {
	return keyring.NewReloader(keys.data, keys.signing, logger)
}

// watchKeyReload re-reads the key sets on SIGHUP and swaps them in.
// Requests already holding a ring finish against it.
func watchKeyReload(lc fx.Lifecycle, reloader *keyring.Reloader, cfg config.Config, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-hup:
						data, signing, err := config.ReloadKeys(cfg.EnvFile)
						if err == nil {
							err = reloader.Reload(data, signing)
						}
						if err != nil {
							logger.Error("key reload failed, keeping current rings", zap.Error(err))
						}
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(hup)
			close(done)
			return nil
		},
	})
}

func newCipher(keys keyRings) *encryption.Service {
	return encryption.NewService(keys.data, nil)
}

func newAuditSink(store repository.Store, node *snowflake.Node, clk clock.Clock, logger *zap.Logger) *audit.Sink {
	return audit.NewSink(store, node, clk, logger)
}

func newGate(store repository.Store, sink *audit.Sink, clk clock.Clock, cfg config.Config, logger *zap.Logger) *access.Gate {
	return access.NewGate(store, sink, clk, nil, cfg.OperationTimeout, logger)
}

func newCredentialService(store repository.Store, cipher *encryption.Service, gate *access.Gate, sink *audit.Sink, metadata *credential.MetadataValidator, clk clock.Clock, cfg config.Config, logger *zap.Logger) *credential.Service {
	return credential.NewService(store, store, store, cipher, gate, sink, metadata, clk, credential.Options{
		GracePeriod: cfg.VersionGracePeriod,
		Timeout:     cfg.OperationTimeout,
	}, logger)
}

func newTokenGenerator(keys keyRings, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(keys.signing, cfg.TokenIssuer)
}

func newTokenService(store repository.Store, creds *credential.Service, signer *jwt.Generator, gate *access.Gate, sink *audit.Sink, clk clock.Clock, cfg config.Config, logger *zap.Logger) *token.Service {
	return token.NewService(store, store, creds, signer, gate, sink, clk, token.Options{
		DefaultTTL: cfg.TokenDefaultTTL,
		MaxTTL:     cfg.TokenMaxTTL,
		MaxUsages:  cfg.TokenMaxUsages,
		Timeout:    cfg.OperationTimeout,
	}, logger)
}

// newRedisClient returns nil when no Redis address is configured.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newLocker(client redis.UniversalClient, cfg config.Config, logger *zap.Logger) rotation.Locker {
	if client == nil {
		logger.Info("scheduler lock is process local")
		return rotation.NewLocalLocker()
	}
	return cacheadapter.NewRedisLocker(client, cfg.ServiceName+":")
}

func newScheduler(store repository.Store, creds *credential.Service, tokens *token.Service, locker rotation.Locker, clk clock.Clock, cfg config.Config, logger *zap.Logger) (*rotation.Scheduler, error) {
	return rotation.NewScheduler(store, creds, tokens, locker, clk, rotation.Config{
		Schedule:       cfg.RotationSchedule,
		BatchSize:      cfg.RotationBatchSize,
		TokenRetention: cfg.TokenRetention,
		RetryBackoff:   cfg.RotationRetry,
	}, logger)
}

func newRateLimiter(cfg config.Config, clk clock.Clock) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM, clk)
}

func newAuthMiddleware(gate *access.Gate) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Gate: gate}
}

func newVaultHandler(creds *credential.Service, tokens *token.Service, gate *access.Gate, sink *audit.Sink, store repository.Store, logger *zap.Logger) *handler.VaultHandler {
	return handler.NewVaultHandler(creds, tokens, gate, sink, store, logger)
}

func startScheduler(lc fx.Lifecycle, scheduler *rotation.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return scheduler.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
