package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"veto/internal/audit"
	auditpostgres "veto/internal/audit/store/postgres"
	auditworker "veto/internal/audit/worker"
	"veto/internal/crypto"
	"veto/internal/jwttoken"
	"veto/internal/platform/config"
	"veto/internal/platform/httpserver"
	"veto/internal/platform/logger"
	"veto/internal/platform/metrics"
	"veto/internal/platform/middleware"
	platformredis "veto/internal/platform/redis"
	"veto/internal/pointer"
	pointerhandler "veto/internal/pointer/handler"
	pointerstore "veto/internal/pointer/store"
	httptransport "veto/internal/transport/http"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	keys, err := crypto.LoadOrGenerate(cfg.SigningSeed, log)
	if err != nil {
		return err
	}

	orgID := uuid.New()
	if cfg.DefaultOrgID != "" {
		orgID, err = uuid.Parse(cfg.DefaultOrgID)
		if err != nil {
			return err
		}
	}

	store := pointerstore.NewPostgresStore(db)
	if err := store.EnsureOrganization(ctx, &pointer.Organization{
		ID:        orgID,
		Name:      "default",
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}
	log.Info("default organization ready", "org_id", orgID)

	auditStore := auditpostgres.New(db, len(cfg.KafkaBrokers) > 0)
	svcMetrics := metrics.New()

	var cache pointer.OrphanCache
	redisClient, err := platformredis.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		cache = pointerstore.NewRedisOrphanCache(redisClient.Client, log)
		log.Info("orphan-status cache enabled", "redis_addr", cfg.RedisAddr)
	}

	service := pointer.NewService(pointer.Deps{
		Store:   store,
		Chain:   newPointerPostgresTx(db, store),
		Keys:    keys,
		Audit:   audit.NewPublisher(auditStore),
		Cache:   cache,
		Metrics: svcMetrics,
		Logger:  log,
		OrgID:   orgID,
	})

	var validator middleware.JWTValidator
	if cfg.JWTSigningKey != "" {
		validator = jwttoken.NewService(cfg.JWTSigningKey, "veto")
	}

	router := httptransport.NewRouter(log, validator, pointerhandler.New(service, log))
	srv := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting veto server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient, err := kgo.NewClient(
			kgo.SeedBrokers(cfg.KafkaBrokers...),
			kgo.DefaultProduceTopic(cfg.AuditTopic),
		)
		if err != nil {
			return err
		}
		defer kafkaClient.Close()
		worker := auditworker.New(auditStore, kafkaClient, cfg.AuditTopic, cfg.OutboxInterval, log)
		group.Go(func() error {
			log.Info("starting audit outbox worker", "topic", cfg.AuditTopic)
			return worker.Run(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
