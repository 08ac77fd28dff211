// Package app wires the Prochat server runtime: config, logging, HTTP routes, and the chat gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"prochat/cmd/internal/chat"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Prochat server runtime: it owns HTTP server wiring and chat gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	feed        chat.Feed
	redisClient *redis.Client

	ws *chat.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	feed, redisClient, err := newFeed(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, convStore, err := newConversationStore(context.Background(), cfg, log, feed)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	var profiles chat.ProfileResolver
	if dbEnabled {
		profiles, err = chat.NewPostgresProfiles(dbPool)
		if err != nil {
			if redisClient != nil {
				_ = redisClient.Close()
			}
			_ = st.Close(context.Background())
			return nil, err
		}
	} else {
		profiles = chat.NewStaticProfiles()
	}

	ws := chat.NewWSGateway(log, convStore, feed, profiles)

	return &App{
		cfg:         cfg,
		log:         log,
		store:       st,
		dbPool:      dbPool,
		dbEnabled:   dbEnabled,
		feed:        feed,
		redisClient: redisClient,
		ws:          ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws)

	handler := WithRequestLogging(WithCORS(WithSecurityHeaders(mux), a.cfg, a.log), a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "redis_enabled", a.redisClient != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Feed before store: subscriptions drain first, then the pool goes away.
	_ = a.feed.Close()
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newFeed decides between the Redis-backed change feed and the in-process broker.
func newFeed(ctx context.Context, cfg Config, log Logger) (chat.Feed, *redis.Client, error) {
	if cfg.RedisAddr == "" {
		log.Info("feed.inprocess_broker")
		return chat.NewBroker(log), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	feed, err := chat.NewRedisFeed(log, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	log.Info("feed.redis", "addr", cfg.RedisAddr)
	return feed, client, nil
}

// newConversationStore decides between Postgres-backed persistence and the in-memory dev store.
func newConversationStore(ctx context.Context, cfg Config, log Logger, feed chat.Feed) (Store, *pgxpool.Pool, bool, chat.ConversationStore, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, chat.NewInMemoryStore(log, feed), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	convStore, err := chat.NewPostgresStore(log, pool, feed) // default schema "prochat"
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, convStore: convStore}, pool, true, convStore, nil
}

type dbStore struct {
	pool      *pgxpool.Pool
	convStore chat.ConversationStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.convStore != nil {
		_ = s.convStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
