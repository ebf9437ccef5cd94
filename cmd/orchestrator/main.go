// Command orchestrator runs the HTTP control plane: webhook intake,
// operator job management, approvals, kill switch, health and metrics.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codexhome/internal/config"
	"codexhome/internal/controlplane"
	"codexhome/internal/githubapp"
	"codexhome/internal/intake"
	"codexhome/internal/logging"
	"codexhome/internal/metrics"
	"codexhome/internal/policy"
	"codexhome/internal/queue"
	"codexhome/internal/store"
	"codexhome/internal/wiring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		logger.Fatal("load policy", zap.Error(err))
	}
	repoProfiles, err := policy.LoadRepoProfiles(cfg.ReposPath)
	if err != nil {
		logger.Fatal("load repo profiles", zap.Error(err))
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.AutoMigrate)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	if err := st.UpsertRepoProfiles(ctx, repoProfiles); err != nil {
		logger.Fatal("seed repo profiles", zap.Error(err))
	}

	var backend queue.Backend
	if cfg.DisableQueue {
		backend = queue.NewInMemoryBackend()
	} else {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("parse redis url", zap.Error(err))
		}
		backend = queue.NewRedisBackend(redis.NewClient(opts), cfg.QueueName,
			cfg.QueueRetryMax, cfg.QueueRetryIntervals,
			cfg.QueueJobTimeoutSeconds, cfg.QueueResultTTLSeconds, cfg.QueueFailureTTLSeconds)
	}

	forgeClient, err := wiring.NewForgeClient(cfg)
	if err != nil {
		logger.Fatal("build forge client", zap.Error(err))
	}

	coordinator := &intake.Coordinator{
		Store:    st,
		Policy:   pol,
		Queue:    backend,
		Forge:    forgeClient,
		FastMode: cfg.IsFastMode(),
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	srv := &controlplane.Server{
		Store:         st,
		Queue:         backend,
		Intake:        coordinator,
		Verifier:      githubapp.Verifier{Secret: cfg.WebhookSecret},
		OperatorToken: cfg.OperatorToken,
		Registry:      registry,
		Log:           logger,
	}

	httpSrv := &http.Server{
		Addr:              cfg.APIHost + ":" + strconv.Itoa(cfg.APIPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info("shutting down")
	_ = httpSrv.Close()
}
