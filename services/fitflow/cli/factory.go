package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/healthsource"
	"github.com/ramiqadoumi/go-fit-flow/internal/kafka"
	"github.com/ramiqadoumi/go-fit-flow/internal/kv"
	"github.com/ramiqadoumi/go-fit-flow/internal/notify"
	"github.com/ramiqadoumi/go-fit-flow/internal/postgres"
	redisstore "github.com/ramiqadoumi/go-fit-flow/internal/redis"
	"github.com/ramiqadoumi/go-fit-flow/pkg/retry"
	"github.com/ramiqadoumi/go-fit-flow/services/fitflow/config"
)

// connectRetry is used for every network dependency opened at startup.
var connectRetry = retry.Config{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second}

// localStore is the opened persistent store. Redis is set when the store
// lives in Redis, which also enables the rate limiter and leader election.
type localStore struct {
	kv.Store
	Redis *goredis.Client
}

func (s *localStore) Close() error {
	err := s.Store.Close()
	if s.Redis != nil {
		if cerr := s.Redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// openStore builds the local store from a DSN: bolt:///abs/path,
// bolt://relative/path, redis://host:port/db or memory://.
func openStore(ctx context.Context, dsn, namespace string, logger *slog.Logger) (*localStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store_dsn is empty")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse store_dsn: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "", "bolt", "file":
		path := boltPath(parsed, dsn)
		if path == "" {
			return nil, fmt.Errorf("store_dsn %q has no path", dsn)
		}
		s, err := kv.NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return &localStore{Store: s}, nil

	case "memory", "mem":
		return &localStore{Store: kv.NewMemoryStore()}, nil

	case "redis":
		db := 0
		if p := strings.Trim(parsed.Path, "/"); p != "" {
			if db, err = strconv.Atoi(p); err != nil {
				return nil, fmt.Errorf("redis db %q: %w", p, err)
			}
		}
		client := redisstore.NewClient(parsed.Host, db)
		err := retry.Do(ctx, connectRetry, func() error { return client.Ping(ctx).Err() })
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", parsed.Host, err)
		}
		logger.Info("local store on redis", slog.String("addr", parsed.Host), slog.Int("db", db))
		return &localStore{Store: redisstore.NewKVStore(client, namespace), Redis: client}, nil

	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

func boltPath(u *url.URL, raw string) string {
	if u.Scheme == "" {
		return raw
	}
	// bolt://data/fitflow.db parses "data" as the host.
	return u.Host + u.Path
}

// sourceHandle owns the health source and whatever it must close.
type sourceHandle struct {
	healthsource.Source
	close func() error
}

func openSource(cfg config.Config, logger *slog.Logger) (*sourceHandle, error) {
	switch cfg.Source {
	case "file":
		return &sourceHandle{
			Source: healthsource.NewFileSource(cfg.SourceFile, logger),
			close:  func() error { return nil },
		}, nil
	case "kafka":
		reader := kafka.NewPartitionReader(cfg.Brokers(), cfg.SourceTopic, cfg.SourcePartition)
		return &sourceHandle{
			Source: healthsource.NewKafkaSource(reader, cfg.SourceBatch, logger),
			close:  reader.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

// openBackend returns the cloud backend and a closer.
func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (cloud.Backend, func(), error) {
	switch cfg.Cloud {
	case "memory":
		logger.Warn("cloud backend is in-memory; writes are lost on exit")
		return cloud.NewMemoryBackend(), func() {}, nil
	case "postgres":
		pool, err := connectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewBackend(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cloud backend %q", cfg.Cloud)
	}
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.Do(ctx, connectRetry, func() error {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p, err := postgres.NewPool(initCtx, dsn)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return pool, nil
}

// openDispatcher returns the notification dispatcher and a closer.
func openDispatcher(cfg config.Config, logger *slog.Logger) (notify.Dispatcher, func() error, error) {
	switch cfg.NotifyDispatcher {
	case "log":
		return notify.NewLogDispatcher(logger), func() error { return nil }, nil
	case "kafka":
		producer := kafka.NewProducer(cfg.Brokers())
		return notify.NewKafkaDispatcher(producer, cfg.NotifyTopic), producer.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify dispatcher %q", cfg.NotifyDispatcher)
	}
}
