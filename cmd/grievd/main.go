package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"grievdesk.org/internal/auth"
	"grievdesk.org/internal/config"
	"grievdesk.org/internal/escalation"
	"grievdesk.org/internal/grievance"
	"grievdesk.org/internal/httpapi"
	"grievdesk.org/internal/migrate"
	"grievdesk.org/internal/notify"
	"grievdesk.org/internal/obs"
	"grievdesk.org/internal/store"
	"grievdesk.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log.SetFlags(0)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, cfg.OTLPEndpoint, version, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, 15*time.Second)
	backend, err := store.Open(openCtx, cfg.DatabaseDSN)
	if err != nil {
		cancelOpen()
		log.Fatalf("store: %v", err)
	}
	if backend.Kind == store.KindPostgres {
		applied, err := migrate.NewManager(backend.DB, pg.Migrations()).Up(openCtx)
		if err != nil {
			cancelOpen()
			log.Fatalf("migrate: %v", err)
		}
		for _, name := range applied {
			obs.Info("migration_applied", map[string]any{"name": name})
		}
	}
	cancelOpen()
	if backend.Kind == store.KindMemory {
		obs.Warn("store_in_memory", map[string]any{"detail": "GRIEVDESK_DB_DSN not set, data is lost on restart"})
	}

	if cfg.AuthSecret != "" {
		auth.SetSecret(cfg.AuthSecret)
	}
	if !auth.Configured() {
		obs.Warn("auth_secret_missing", map[string]any{"detail": "all authenticated endpoints will fail"})
	}

	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueue, 10*time.Second, sinks...)

	svc := grievance.NewService(backend.Store,
		grievance.WithPolicy(cfg.Policy),
		grievance.WithNotifier(dispatcher),
	)

	var lock escalation.PassLock = escalation.LocalLock{}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		lock = escalation.NewRedisLock(rdb, cfg.RedisLockKey)
	}
	detector := escalation.NewDetector(svc, cfg.SweepConcurrency)
	scheduler := escalation.NewScheduler(detector, cfg.SweepInterval, escalation.WithPassLock(lock, cfg.SweepLockTTL))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("scheduler: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: svc}
	api := httpapi.New(svc, probe, version, httpapi.Options{
		DevTokens:  cfg.DevTokens,
		RatePerSec: cfg.RatePerSec,
		RateBurst:  cfg.RateBurst,
		CORSOrigin: cfg.CORSOrigin,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthReporter(probe, 5*time.Second)
	grpcSrv := httpapi.NewGRPCServer(health)
	go health.Run(ctx)

	obs.Info("grievd_starting", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"store":     backend.Kind,
		"sweep":     cfg.SweepInterval.String(),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			obs.Error("grpc_serve_failed", map[string]any{"error": err})
		}
	}()

	<-ctx.Done()
	obs.Info("grievd_shutting_down", nil)

	health.Shutdown()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	dispatcher.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := backend.Close(); err != nil {
		obs.Warn("store_close_failed", map[string]any{"error": err})
	}
	_ = shutdownTracing(shutdownCtx)
	obs.Info("grievd_stopped", nil)
}
