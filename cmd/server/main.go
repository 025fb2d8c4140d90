package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/sms-dispatch/internal/api"
	"github.com/ignite/sms-dispatch/internal/archive"
	"github.com/ignite/sms-dispatch/internal/audit"
	"github.com/ignite/sms-dispatch/internal/breaker"
	"github.com/ignite/sms-dispatch/internal/config"
	"github.com/ignite/sms-dispatch/internal/dispatch"
	"github.com/ignite/sms-dispatch/internal/gateway"
	"github.com/ignite/sms-dispatch/internal/metrics"
	"github.com/ignite/sms-dispatch/internal/pkg/distlock"
	"github.com/ignite/sms-dispatch/internal/pkg/logger"
	"github.com/ignite/sms-dispatch/internal/ratelimit"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

// openDatabase connects the audit database. A broken database is a warning,
// not a startup failure; the service sends without auditing.
func openDatabase(cfg config.DatabaseConfig) *sql.DB {
	if cfg.URL == "" {
		log.Println("Database not configured (DATABASE_URL not set) — audit log disabled")
		return nil
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		log.Printf("Warning: opening database failed: %v — audit log disabled", err)
		return nil
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Printf("Warning: database connection failed: %v — audit log disabled", err)
		db.Close()
		return nil
	}
	log.Println("Database connected (audit log enabled)")
	return db
}

// openRedis connects Redis for rate limiting and dispatch locking. An
// unreachable Redis falls back to in-process equivalents.
func openRedis(cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed (%s): %v — using in-process rate limiter", cfg.Addr, err)
		client.Close()
		return nil
	}
	log.Printf("Redis connected: %s", cfg.Addr)
	return client
}

func main() {
	log.Println("IGNITE SMS dispatch server starting")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(!cfg.Logging.LogPlainNumbers)

	if cfg.Gateway.APIToken == "" {
		log.Fatal("SMS_GATEWAY_TOKEN is required; set it in the environment or config/config.yaml")
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openDatabase(cfg.Database)
	redisClient := openRedis(cfg.Redis)

	cb := breaker.New(cfg.Breaker)
	if cfg.Breaker.Enabled {
		log.Printf("Circuit breaker enabled (threshold %d, reset %s)", cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout())
	} else {
		log.Println("Circuit breaker disabled — calls pass through")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" && redisClient != nil {
		limiter = ratelimit.NewRedisWindow(redisClient, cfg.Dispatch.RateLimitPerSecond)
		log.Printf("Rate limiter: redis window, %d msg/s", cfg.Dispatch.RateLimitPerSecond)
	} else {
		if cfg.RateLimit.Backend == "redis" {
			log.Println("Warning: ratelimit backend is redis but Redis is unavailable — using token bucket")
		}
		limiter = ratelimit.NewTokenBucket(cfg.Dispatch.RateLimitPerSecond)
		log.Printf("Rate limiter: token bucket, %d msg/s", cfg.Dispatch.RateLimitPerSecond)
	}

	recorder := audit.NewRecorder(db, cfg.Audit)
	if recorder != nil {
		if err := recorder.Start(ctx); err != nil {
			log.Printf("Warning: starting audit recorder failed: %v — audit log disabled", err)
			recorder = nil
		} else {
			log.Println("Audit recorder started")
		}
	}

	// A nil *Recorder must not be wrapped in a non-nil interface value.
	var sink gateway.AuditSink
	if recorder != nil {
		sink = recorder
	}

	client := gateway.NewClient(cfg.Gateway, gateway.NewResolver(cfg.Retry), cb, sink)
	engine := dispatch.NewEngine(client, limiter, cfg.Dispatch, cfg.Gateway.Sender)

	if recorder != nil {
		engine.SetOperationAuditor(recorder)
	}

	if cfg.Dispatch.LockEnabled {
		if redisClient != nil || db != nil {
			engine.SetDispatchLock(distlock.ForSender(redisClient, db, cfg.Gateway.Sender, cfg.Dispatch.LockTTL()))
			log.Printf("Dispatch lock enabled for sender %q (TTL %s)", cfg.Gateway.Sender, cfg.Dispatch.LockTTL())
		} else {
			log.Println("Warning: dispatch lock enabled but neither Redis nor database is available — running unlocked")
		}
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		log.Printf("Warning: initializing report archive failed: %v — archiving disabled", err)
		archiver = nil
	}
	if archiver != nil {
		engine.OnBatchComplete(archiver.Hook())
		log.Printf("Batch reports will be archived to s3://%s/%s", cfg.Archive.S3Bucket, cfg.Archive.S3Prefix)
	}

	exporter := metrics.NewExporter(engine, cb, client, recorder)

	handlers := api.NewHandlers(ctx, engine, cb)
	streamer := api.NewProgressStreamer(engine)
	checker := api.NewHealthChecker(db, redisClient, cb)
	server := api.NewServer(cfg.Server, handlers, streamer, checker, exporter.Handler())

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s (sender %q, gateway %s)", addr, cfg.Gateway.Sender, cfg.Gateway.BaseURL)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Printf("Engine stop error: %v", err)
	}
	if recorder != nil {
		if err := recorder.Stop(shutdownCtx); err != nil {
			log.Printf("Audit recorder stop error: %v", err)
		}
	}
	cancel()

	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Server stopped")
}
