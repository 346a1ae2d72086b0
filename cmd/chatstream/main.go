package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/httpapi"
	"github.com/nvoss/chatstream/store"
	"github.com/nvoss/chatstream/stream"
	"github.com/nvoss/chatstream/stream/openai"
	"github.com/nvoss/chatstream/stream/tools"
)

type envConfig struct {
	Addr          string        `env:"ADDR" envDefault:":8080"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	DBDriver      string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN         string        `env:"DB_DSN" envDefault:"chatstream.db"`
	JWTSecret     string        `env:"JWT_SECRET,required"`
	ModelBaseURL  string        `env:"MODEL_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ModelAPIKey   string        `env:"MODEL_API_KEY"`
	StreamWorkers int           `env:"STREAM_WORKERS" envDefault:"64"`
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
}

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := env.ParseAs[envConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("parse environment")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("exited")
	}
}

func run(cfg envConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer client.Close()

	db, err := store.Open(store.Config{Driver: store.Driver(cfg.DBDriver), DSN: cfg.DBDSN})
	if err != nil {
		return err
	}
	defer db.Close()

	engineCfg := chatstream.DefaultConfig()
	engineCfg.JWT.PrivateKey = []byte(cfg.JWTSecret)

	engine, err := chatstream.New().
		WithConfig(engineCfg).
		WithRedis(client).
		WithUserProvider(db.Accounts()).
		WithEntitlementSources(db, db).
		WithLogger(log).
		Build(ctx)
	if err != nil {
		return err
	}

	pool, err := ants.NewPool(cfg.StreamWorkers)
	if err != nil {
		return err
	}
	defer pool.Release()

	broker := stream.NewBroker(stream.BrokerConfig{
		Redis:        client,
		RecordPrefix: engineCfg.Stream.BufferKeyPrefix,
		TTL:          engineCfg.Stream.BufferTTL,
		Log:          log.With().Str("component", "broker").Logger(),
	})

	provider := openai.New(openai.Config{
		BaseURL: cfg.ModelBaseURL,
		APIKey:  cfg.ModelAPIKey,
		Log:     log.With().Str("component", "provider").Logger(),
	})

	toolset := []stream.Tool{
		tools.NewWeather(nil, ""),
		tools.NewCreateDocument(db),
		tools.NewUpdateDocument(db),
		tools.NewRequestSuggestions(db),
	}

	orch := stream.NewOrchestrator(provider, broker, db, toolset, pool, stream.OrchestratorConfig{
		MaxSteps:         engineCfg.Stream.MaxSteps,
		MaxWallClock:     engineCfg.Stream.MaxWallClock,
		DefaultMaxTokens: engineCfg.Stream.DefaultMaxTok,
	}, log.With().Str("component", "orchestrator").Logger())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServer(engine, db, orch, broker, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
