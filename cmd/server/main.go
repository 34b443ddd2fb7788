package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ephemeral-chat/internal/auth"
	"ephemeral-chat/internal/broker"
	"ephemeral-chat/internal/config"
	"ephemeral-chat/internal/directory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config & Flags
	if err := config.LoadDotEnv(); err != nil {
		log.Printf("⚠️ %v, continuing with the environment only", err)
	}
	cfg, err := config.LoadBroker()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel)

	// 2. Room directory
	rooms, closeRooms, err := openDirectory(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Room directory: %v", err)
	}
	defer closeRooms()

	// 3. Tokens are optional; without a secret everybody is anonymous.
	var tokens *auth.Service
	if cfg.JWTSecret != "" {
		tokens = auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	} else {
		log.Println("⚠️ BROKER_JWT_SECRET is not set, authentication is off")
	}

	// 4. Broker & routes
	bcfg := cfg.BrokerConfig(logger)
	bcfg.Directory = rooms
	b := broker.New(bcfg)
	defer b.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           broker.NewHandler(b, rooms, tokens).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("🚀 Broker starting on %s (directory: %s)", *addr, cfg.Directory)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
	log.Println("👋 Broker stopped")
}

func openDirectory(ctx context.Context, cfg config.Broker) (directory.Store, func(), error) {
	switch cfg.Directory {
	case config.DirectoryRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			rdb.Close()
			return nil, nil, err
		}
		log.Println("✅ Connected to Redis")
		return directory.NewRedis(rdb, cfg.RoomTTL), func() { rdb.Close() }, nil

	case config.DirectoryPostgres:
		db, err := directory.OpenPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		log.Println("✅ Connected to PostgreSQL")
		store := directory.NewPostgres(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Println("✅ Database Schema Initialized")
		return store, closeDB(db), nil
	}
	return directory.NewMemory(), func() {}, nil
}

func closeDB(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			log.Printf("⚠️ closing database: %v", err)
		}
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
