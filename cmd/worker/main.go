// Command worker pops queued job ids and runs them through the stage
// pipeline until the process receives a shutdown signal.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codexhome/internal/config"
	"codexhome/internal/domain"
	"codexhome/internal/logging"
	"codexhome/internal/metrics"
	"codexhome/internal/policy"
	"codexhome/internal/queue"
	"codexhome/internal/spend"
	"codexhome/internal/stagerunner"
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
	llmClient := wiring.NewLLMClient(cfg)

	runner := &stagerunner.Runner{
		Store:        st,
		Queue:        backend,
		Policy:       pol,
		Governor:     spend.Governor{MaxUSDPerDay: cfg.MaxUSDPerDay, MaxUSDPerMonth: cfg.MaxUSDPerMonth},
		LLM:          llmClient,
		Forge:        forgeClient,
		ArtifactRoot: cfg.ArtifactRoot,
		FastMode:     cfg.IsFastMode(),
		ModelTriage:  cfg.ModelTriage,
		ModelBuild:   cfg.ModelBuild,
		ModelReview:  cfg.ModelReview,
		Logger:       logger,
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	if cfg.WorkerMetricsEnabled {
		go serveWorkerMetrics(cfg, logger, registry)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go dispatchLoop(ctx, logger, backend, st, runner, done, stop)

	<-done
	logger.Info("worker shut down")
}

// dispatchLoop pops the next job id and runs it, backing off briefly
// when the queue is empty, matching the original worker's blocking-pop
// dispatch loop without requiring an RQ-compatible broker. When the
// backend supports it, a reaper pass runs alongside to requeue jobs
// whose worker crashed mid-processing and to promote due retries.
func dispatchLoop(ctx context.Context, logger *zap.Logger, backend queue.Backend, st *store.Store, runner *stagerunner.Runner, done chan struct{}, stop chan os.Signal) {
	defer close(done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	reaper, hasReaper := backend.(queue.Reaper)
	retrier, hasRetrier := backend.(queue.Retrier)
	var reaperTicker *time.Ticker
	if hasReaper {
		reaperTicker = time.NewTicker(30 * time.Second)
		defer reaperTicker.Stop()
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		if hasReaper {
			select {
			case <-reaperTicker.C:
				reapStale(ctx, logger, st, reaper)
			default:
			}
		}

		metrics.WorkerHeartbeat.Set(float64(time.Now().Unix()))

		jobID, err := backend.Pop(ctx)
		if err != nil {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			continue
		}

		if err := runner.Process(ctx, jobID); err != nil {
			logger.Error("job failed", zap.String("job_id", jobID), zap.Error(err))
			if hasRetrier {
				scheduled, rerr := retrier.Retry(ctx, jobID)
				if rerr != nil {
					logger.Error("schedule retry", zap.String("job_id", jobID), zap.Error(rerr))
				} else if !scheduled {
					logger.Warn("retries exhausted", zap.String("job_id", jobID))
				}
			}
			continue
		}
		if err := backend.Ack(ctx, jobID); err != nil {
			logger.Error("ack job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// reapStale requeues or fails jobs whose worker crashed or hung past
// jobTimeoutSeconds, then promotes any retry whose backoff has elapsed
// back onto the main queue.
func reapStale(ctx context.Context, logger *zap.Logger, st *store.Store, reaper queue.Reaper) {
	exhausted, err := reaper.RequeueStale(ctx)
	if err != nil {
		logger.Error("requeue stale jobs", zap.Error(err))
	}
	for _, jobID := range exhausted {
		if err := st.UpdateJobStatus(ctx, jobID, domain.StatusFailed, "dispatch", "QUEUE_RETRY_EXHAUSTED", ""); err != nil {
			logger.Error("mark exhausted job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if err := reaper.PromoteDelayed(ctx); err != nil {
		logger.Error("promote delayed jobs", zap.Error(err))
	}
}

func serveWorkerMetrics(cfg config.Config, logger *zap.Logger, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := cfg.WorkerMetricsHost + ":" + strconv.Itoa(cfg.WorkerMetricsPort)
	logger.Info("worker metrics listening", zap.String("addr", addr))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("worker metrics server", zap.Error(err))
	}
}
