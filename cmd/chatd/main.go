package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loopchat/server/internal/api"
	"github.com/loopchat/server/internal/auth"
	"github.com/loopchat/server/internal/location"
	"github.com/loopchat/server/internal/notify"
	"github.com/loopchat/server/internal/ratelimit"
	"github.com/loopchat/server/internal/realtime"
	"github.com/loopchat/server/internal/store"
	"github.com/loopchat/server/internal/ws"
)

func main() {
	config := ws.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("AUTH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.AuthTimeout = d
		}
	}

	typingCfg := realtime.DefaultTypingConfig()
	if v := os.Getenv("TYPING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			typingCfg.TTL = d
		}
	}
	if v := os.Getenv("TYPING_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			typingCfg.SweepInterval = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS ---
	natsConfig := notify.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	push, err := notify.NewNATSDispatcher(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Postgres ---
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	pg, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := pg.RunMigrations(); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	log.Printf("loopchat server starting")
	log.Printf("  listen_addr:      %s", config.ListenAddr)
	log.Printf("  max_connections:  %d", config.MaxConnections)
	log.Printf("  max_frame_bytes:  %d", config.MaxFrameBytes)
	log.Printf("  write_timeout:    %s", config.WriteTimeout)
	log.Printf("  typing_ttl:       %s", typingCfg.TTL)
	log.Printf("  typing_sweep:     %s", typingCfg.SweepInterval)
	log.Printf("  redis_addr:       %s", redisAddr)
	log.Printf("  nats_url:         %s", natsConfig.URL)

	hub := realtime.NewHub(typingCfg)
	verifier := auth.NewJWTVerifier([]byte(jwtSecret), rdb)
	limiter := ratelimit.NewLimiter(rdb)
	locations := location.NewManager(hub, pg, push)
	router := ws.NewRouter(hub, pg, push, locations)
	server := ws.NewServer(config, hub, verifier, router, limiter)

	rest := api.NewHandler(hub, pg, push, verifier)
	server.RegisterRoutes(func(mux *http.ServeMux) { rest.Register(mux) })

	// Typing sweeper runs until shutdown cancels it.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go hub.Typing().Run(sweepCtx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stopSweep()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		push.Close()
		if err := pg.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
