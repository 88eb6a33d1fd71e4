// Command fastflow-core is the process entry point: it wires configuration,
// logging, the relational store, the resilience primitives, discovery,
// secrets, the pre-heater, the chosen execution backend, the orchestrator,
// the scheduler, git sync, the cleanup job and the zombie reconciler
// together, then waits for SIGTERM/SIGINT to shut down gracefully.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/fastflow/core/internal/cleanup"
	"github.com/fastflow/core/internal/config"
	"github.com/fastflow/core/internal/control"
	"github.com/fastflow/core/internal/cryptoenv"
	"github.com/fastflow/core/internal/discovery"
	"github.com/fastflow/core/internal/executor"
	"github.com/fastflow/core/internal/executor/docker"
	kubernetesbackend "github.com/fastflow/core/internal/executor/kubernetes"
	"github.com/fastflow/core/internal/gitsync"
	"github.com/fastflow/core/internal/logging"
	"github.com/fastflow/core/internal/metrics"
	"github.com/fastflow/core/internal/model"
	"github.com/fastflow/core/internal/objectstore"
	"github.com/fastflow/core/internal/orchestrator"
	"github.com/fastflow/core/internal/preheat"
	"github.com/fastflow/core/internal/resilience"
	"github.com/fastflow/core/internal/scheduler"
	"github.com/fastflow/core/internal/secretsvault"
	"github.com/fastflow/core/internal/store"
	"github.com/fastflow/core/internal/store/postgres"
	"github.com/fastflow/core/internal/store/sqlite"
	"github.com/fastflow/core/internal/zombie"
)

// gitSyncSubject keys the envelope-encryption subject used for the git-sync
// token, kept distinct from secretsvault's own "secret" subject since a
// token decrypted with the wrong subject fails loudly rather than silently.
var gitSyncSubject = []byte("git_sync_token")

func main() {
	// Best-effort: a .env file is a local-development convenience only.
	// Its absence in a container or cluster is normal, not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fastflow-core: load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("fastflow-core", cfg.LogLevel, cfg.LogFormat)

	repo, err := openStore(cfg)
	if err != nil {
		logger.Fatal(fmt.Sprintf("fastflow-core: open store: %v", err))
	}
	defer repo.Close()

	breakers := resilience.NewBreakers(logger)

	metricsSrv := startMetricsServer(cfg.MetricsPort, logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	var masterKey []byte
	if raw := os.Getenv(cfg.MasterKeyEnv); raw != "" {
		masterKey = []byte(raw)
	}
	vault := secretsvault.New(repo, masterKey, logger)

	disc := discovery.New(cfg.PipelinesRoot, cfg.DiscoveryCacheTTL, logger)
	if _, err := disc.Discover(true); err != nil {
		logger.Fatal(fmt.Sprintf("fastflow-core: initial pipeline discovery: %v", err))
	}

	preheater := preheat.New(logger, repo, "")

	backend, err := buildBackend(cfg, logger, breakers.ContainerRuntime)
	if err != nil {
		logger.Fatal(fmt.Sprintf("fastflow-core: build execution backend: %v", err))
	}

	orch := orchestrator.New(repo, disc, preheater, vault, backend, logger, orchestrator.Config{
		MetricSampleInterval: cfg.MetricSampleInterval,
		CacheDirs: orchestrator.CacheDirs{
			UVCacheDir:         cfg.UVCacheDir,
			UVPythonInstallDir: cfg.UVPythonInstallDir,
			RunnerDir:          cfg.RunnerDir,
		},
	})

	sched := scheduler.New(repo, orchestratorDispatcher{orch}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal(fmt.Sprintf("fastflow-core: start scheduler: %v", err))
	}

	syncer, err := buildGitSyncer(ctx, repo, masterKey, cfg.PipelinesRoot, disc, breakers.OAuth, logger)
	if err != nil {
		logger.WithContext(ctx).Warn(fmt.Sprintf("fastflow-core: git sync disabled: %v", err))
	}

	ctrl := control.New(orch, sched, disc, syncer, vault, repo, logger)
	_ = ctrl // exposed for an eventual transport layer; nothing in this process calls it yet

	zr := zombie.New(repo, backend, orch, logger)
	if err := zr.Run(ctx); err != nil {
		logger.WithContext(ctx).Warn(fmt.Sprintf("fastflow-core: startup zombie reconciliation: %v", err))
	}

	uploader, err := buildUploader(ctx, cfg, breakers.ObjectStorage)
	if err != nil {
		logger.Fatal(fmt.Sprintf("fastflow-core: build object-store uploader: %v", err))
	}
	cleanupJob := cleanup.New(repo, disc, backend, uploader, cleanup.Defaults{
		LogRetentionRuns: cfg.LogRetentionRuns,
		LogRetentionDays: cfg.LogRetentionDays,
		LogMaxSizeMB:     cfg.LogMaxSizeMB,
	}, logger)

	stopCleanup := runEvery(ctx, 1*time.Hour, func() {
		if err := cleanupJob.Run(ctx); err != nil {
			logger.WithContext(ctx).Warn(fmt.Sprintf("fastflow-core: cleanup run: %v", err))
		}
	})
	defer stopCleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("fastflow-core: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.WithContext(shutdownCtx).Warn(fmt.Sprintf("fastflow-core: orchestrator shutdown: %v", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.WithContext(shutdownCtx).Warn(fmt.Sprintf("fastflow-core: scheduler stop: %v", err))
	}
}

// orchestratorDispatcher adapts *orchestrator.Orchestrator to
// scheduler.Dispatcher, discarding the submitted run: the scheduler only
// needs to know a submission was accepted, not its identity.
type orchestratorDispatcher struct {
	orch *orchestrator.Orchestrator
}

func (d orchestratorDispatcher) Submit(ctx context.Context, pipelineName string, triggeredBy model.TriggeredBy, runConfigID *string) error {
	_, err := d.orch.Submit(ctx, pipelineName, orchestrator.SubmitOptions{
		TriggeredBy: triggeredBy,
		RunConfigID: runConfigID,
	})
	return err
}

// CancelActive satisfies scheduler.ActiveCanceller, so a restart_interval
// fire cancels a daemon's current instance before orchestratorDispatcher
// resubmits a fresh one.
func (d orchestratorDispatcher) CancelActive(ctx context.Context, pipelineName string) error {
	return d.orch.CancelActive(ctx, pipelineName)
}

func buildBackend(cfg *config.Config, logger *logging.Logger, breaker *resilience.CircuitBreaker) (executor.Backend, error) {
	switch cfg.ExecutorBackend {
	case "docker":
		mounts := func(sub executor.Submission) docker.MountPaths {
			return docker.MountPaths{
				PipelineHostDir:    sub.PipelineDir,
				UVCacheHostDir:     cfg.UVCacheDir,
				PythonCacheHostDir: cfg.UVPythonInstallDir,
				RunnerHostDir:      cfg.RunnerDir,
			}
		}
		return docker.New(logger, breaker, mounts)
	case "kubernetes":
		restCfg, err := kubeRestConfig()
		if err != nil {
			return nil, fmt.Errorf("kubernetes: load cluster config: %w", err)
		}
		clientset, err := k8sclient.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes: build clientset: %w", err)
		}
		metricsClient, err := metricsclientset.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("kubernetes: build metrics clientset: %w", err)
		}
		return kubernetesbackend.New(clientset, metricsClient, cfg.KubeNamespace, workerImageFromEnv(), logger, breaker), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.ExecutorBackend)
	}
}

// startMetricsServer mounts /metrics on its own listener, separate from any
// future control-plane transport, and never blocks start-up: a bind failure
// is logged and the process carries on without metrics rather than failing
// to start over an observability endpoint.
func startMetricsServer(port int, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn(fmt.Sprintf("fastflow-core: metrics server: %v", err))
		}
	}()
	return srv
}

// openStore builds the relational store for cfg.StoreDriver. sqlite suits a
// single fastflow-core process; postgres lets several processes share one
// store for horizontal scale-out.
func openStore(cfg *config.Config) (store.RepositoryInterface, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		return sqlite.Open(cfg.StoreDSN)
	case "postgres":
		return postgres.Open(cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func kubeRestConfig() (*rest.Config, error) {
	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func workerImageFromEnv() string {
	if img := os.Getenv("FASTFLOW_WORKER_IMAGE"); img != "" {
		return img
	}
	return "ghcr.io/fastflow/worker:latest"
}

func buildUploader(ctx context.Context, cfg *config.Config, breaker *resilience.CircuitBreaker) (cleanup.Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	backup, err := objectstore.New(ctx, objectstore.Config{
		Bucket: cfg.S3Bucket,
		Region: cfg.S3Region,
		Prefix: "fastflow",
	}, breaker)
	if err != nil {
		return nil, err
	}
	return backup, nil
}

// buildGitSyncer reads the singleton settings row and, if a git remote is
// configured, builds a Syncer bound to it. It returns a nil Syncer (not an
// error) when no remote is configured, since that is the ordinary case for
// a pipelines directory mounted straight onto the host or cluster. Settings
// are read once at start-up; a later settings update takes effect on the
// next process restart rather than being picked up live.
func buildGitSyncer(ctx context.Context, repo store.RepositoryInterface, masterKey []byte, pipelinesRoot string, disc *discovery.Discovery, breaker *resilience.CircuitBreaker, logger *logging.Logger) (*gitsync.Syncer, error) {
	settings, err := repo.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings == nil || settings.GitSyncRepoURL == nil || *settings.GitSyncRepoURL == "" {
		return nil, nil
	}

	var tokens *gitsync.TokenProvider
	if settings.GitSyncEncryptedToken != nil && *settings.GitSyncEncryptedToken != "" {
		plain, err := cryptoenv.Decrypt(masterKey, gitSyncSubject, "git_sync_token", []byte(*settings.GitSyncEncryptedToken))
		if err != nil {
			return nil, fmt.Errorf("decrypt git sync token: %w", err)
		}
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(plain)})
		tokens = gitsync.NewTokenProvider(source, breaker)
	}

	syncCfg := gitsync.Config{
		RepoURL:   *settings.GitSyncRepoURL,
		LocalPath: pipelinesRoot,
	}
	return gitsync.New(syncCfg, tokens, disc, logger), nil
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()
	return func() { <-done }
}
