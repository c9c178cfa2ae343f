package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	commenthttp "github.com/MyNameIsWhaaat/commentsync/internal/comment/handler/http"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/identity"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/service"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage/inmemory"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/storage/postgres"
	redisstore "github.com/MyNameIsWhaaat/commentsync/internal/comment/storage/redis"
	"github.com/MyNameIsWhaaat/commentsync/internal/comment/viewmodel"
	"github.com/MyNameIsWhaaat/commentsync/internal/config"
	"github.com/MyNameIsWhaaat/commentsync/internal/metrics"
	"github.com/MyNameIsWhaaat/commentsync/internal/replication"
)

func main() {
	envErr := godotenv.Load()

	v, err := config.LoadConfig()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("parse config")
	}

	log := newLogger(cfg.Log)
	if envErr != nil {
		log.Debug().Msg("no .env file, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	open, closeStore := openFunc(cfg, log)
	defer closeStore()

	gw := service.New(open,
		service.WithLogger(log.With().Str("component", "gateway").Logger()),
		service.WithMetrics(m),
		service.WithMaxReplyAttempts(cfg.Comments.MaxReplyAttempts),
		service.WithOpenTimeout(cfg.Store.OpenTimeout),
	)
	defer func() {
		if err := gw.Close(); err != nil {
			log.Error().Err(err).Msg("close comment collection")
		}
	}()

	users := identity.New(identity.DefaultUsers)

	vm := viewmodel.New(gw, log.With().Str("component", "viewmodel").Logger(), viewmodel.WithMetrics(m),
		viewmodel.WithRetryInterval(cfg.Comments.RetryInterval))
	vm.Start(ctx)
	defer vm.Close()

	opts := []commenthttp.Option{commenthttp.WithLogger(log)}
	replDone := make(chan struct{})
	if cfg.Replication.Enabled {
		repl, err := newReplicator(cfg.Replication, log, m)
		if err != nil {
			log.Fatal().Err(err).Msg("replication config")
		}
		opts = append(opts, commenthttp.WithReplicationStatus(repl.status))
		go func() {
			defer close(replDone)
			repl.run(ctx, gw)
		}()
	} else {
		close(replDone)
	}

	h := commenthttp.New(vm, users, opts...)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	h.Wait()
	<-replDone
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "commentsync").Logger()
}

// openFunc picks the collection backend. The returned cleanup releases
// clients shared across opens.
func openFunc(cfg *config.Config, log zerolog.Logger) (storage.OpenFunc, func()) {
	storeLog := log.With().Str("component", "store").Str("driver", cfg.Store.Driver).Logger()

	switch cfg.Store.Driver {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return redisstore.Open(client, cfg.Store.Redis.Prefix, storeLog), func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("close redis client")
			}
		}
	case "postgres":
		return postgres.Open(cfg.Store.Postgres.DSN, storeLog), func() {}
	default:
		return inmemory.Open, func() {}
	}
}

type replicator struct {
	cfg    config.ReplicationConfig
	client *replication.Client
	log    zerolog.Logger
	m      *metrics.Metrics

	current atomic.Pointer[replication.Replicator]
}

func newReplicator(cfg config.ReplicationConfig, log zerolog.Logger, m *metrics.Metrics) (*replicator, error) {
	client, err := replication.NewClient(cfg.URL, cfg.Database, cfg.Username, cfg.Password, nil)
	if err != nil {
		return nil, err
	}
	return &replicator{
		cfg:    cfg,
		client: client,
		log:    log,
		m:      m,
	}, nil
}

func (r *replicator) status() string {
	cur := r.current.Load()
	if cur == nil {
		return replication.Stopped.String()
	}
	return cur.Status().String()
}

// run waits for the local collection and then replicates it until ctx ends.
func (r *replicator) run(ctx context.Context, gw *service.Gateway) {
	for {
		coll, err := gw.Collection(ctx)
		if err == nil {
			replicated, ok := coll.(storage.Replicated)
			if !ok {
				r.log.Warn().Msg("collection does not support replication")
				return
			}

			repl := replication.New(replicated, r.client, replication.Config{
				ProbeInterval: r.cfg.ProbeInterval,
				ProbeTimeout:  r.cfg.ProbeTimeout,
				RetryInterval: r.cfg.RetryInterval,
				PollTimeout:   r.cfg.PollTimeout,
			}, r.log, r.m)
			r.current.Store(repl)

			if err := repl.Run(ctx); err != nil {
				r.log.Error().Err(err).Msg("replication stopped")
			}
			return
		}

		r.log.Warn().Err(err).Dur("retry_in", r.cfg.RetryInterval).Msg("collection not ready for replication")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.RetryInterval):
		}
	}
}
