// snowpatchd is the patch-tracker CI bridge server. It discovers patch
// series from Patchwork, reproduces them as branches against a maintained
// git tree, pushes to downstream CI-reactive runners, collects verdicts,
// and reports them upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruscur/snowpatch/internal/archive"
	"github.com/ruscur/snowpatch/internal/config"
	"github.com/ruscur/snowpatch/internal/dispatch"
	"github.com/ruscur/snowpatch/internal/git"
	"github.com/ruscur/snowpatch/internal/postgres"
	"github.com/ruscur/snowpatch/internal/queue"
	"github.com/ruscur/snowpatch/internal/runner"
	"github.com/ruscur/snowpatch/internal/statusapi"
	"github.com/ruscur/snowpatch/internal/tracker"
	"github.com/ruscur/snowpatch/internal/transport"
	"github.com/ruscur/snowpatch/internal/watchcat"
	"golang.org/x/sync/errgroup"
)

const defaultQueueStorePath = "./database/snowpatch.db"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck())
	}

	slog.SetDefault(slog.New(statusapi.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))))

	configPath := flag.String("config", "", "path to the snowpatchd configuration file (required)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.ResolvePath()
	}
	if path == "" {
		slog.Error("--config is required (or set SNOWPATCH_CONFIG / place ./snowpatch.yaml)")
		os.Exit(1)
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	slog.Info("config loaded", "path", path, "name", cfg.Name)

	if err := run(cfg); err != nil {
		slog.Error("snowpatchd exited with error", "error", err)
		os.Exit(1)
	}
}

// healthcheck implements the built-in "snowpatchd healthcheck" subcommand,
// for containers without curl/wget available. It hits this process's own
// /health endpoint and exits 0/1.
func healthcheck() int {
	addr := os.Getenv("SNOWPATCH_STATUS_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	resp, err := http.Get(addr + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// run wires every component, starts their background goroutines, and
// blocks until SIGINT/SIGTERM or a component fails, coordinating shutdown
// with errgroup.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storePath := os.Getenv("SNOWPATCH_DB_PATH")
	if storePath == "" {
		storePath = defaultQueueStorePath
	}
	store, err := queue.Open(storePath)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	defer store.Close()

	if err := store.SetScalar(git.ScalarSSHPublicKeyPath, []byte(cfg.Git.PublicKey)); err != nil {
		return fmt.Errorf("store ssh public key path: %w", err)
	}
	if err := store.SetScalar(git.ScalarSSHPrivateKeyPath, []byte(cfg.Git.PrivateKey)); err != nil {
		return fmt.Errorf("store ssh private key path: %w", err)
	}

	httpClient := transport.NewHTTPClient(transport.DefaultTimeout)

	trackerClient, err := tracker.New(ctx, cfg.Patchwork.URL, cfg.Patchwork.Token, httpClient, cfg.Patchwork.PageSize)
	if err != nil {
		return fmt.Errorf("construct tracker client: %w", err)
	}

	var watcher *watchcat.Watchcat
	if cfg.Patchwork.ScanCron != "" {
		watcher, err = watchcat.NewFromCron(trackerClient, store, cfg.Name, cfg.Patchwork.ScanCron)
		if err != nil {
			return fmt.Errorf("parse patchwork.scan_cron: %w", err)
		}
	} else {
		watcher = watchcat.New(trackerClient, store, cfg.Name, watchcat.MinScanInterval)
	}

	var archiver git.Archiver
	var s3Health *archive.Store
	if cfg.S3 != nil {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
		})
		if err != nil {
			return fmt.Errorf("construct s3 archive: %w", err)
		}
		archiver = archiveStore
		s3Health = archiveStore
		slog.Info("failure archive enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	engine := git.New(git.Config{
		RepoPath: cfg.Git.Repo,
		WorkDir:  cfg.Git.WorkDir,
		Workers:  cfg.Git.Workers,
		SSHUser:  cfg.Git.User,
	}, store, httpClient, archiver)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("init git engine: %w", err)
	}

	runners := make([]runner.Runner, 0, len(cfg.Runners))
	for _, rc := range cfg.Runners {
		r, err := runner.New(runner.Config{
			Handle:  rc.Handle,
			Kind:    rc.Kind,
			URL:     rc.URL,
			Token:   rc.Token,
			Trigger: toRunnerTrigger(rc.Trigger),
		}, httpClient)
		if err != nil {
			return fmt.Errorf("construct runner %s: %w", rc.Handle, err)
		}
		runners = append(runners, r)

		if rc.Trigger.OnPush != nil {
			if err := git.RegisterPushTarget(store, rc.Trigger.OnPush.Remote, rc.Handle); err != nil {
				return fmt.Errorf("register push target for runner %s: %w", rc.Handle, err)
			}
		}
	}
	runnerSet := runner.NewSet(store, runners)

	var auditor dispatch.Auditor
	var pgPool *pgxpool.Pool
	if cfg.Postgres != nil {
		pool, err := postgres.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return fmt.Errorf("run postgres migrations: %w", err)
		}
		auditor = postgres.NewAuditStore(pool)
		pgPool = pool
		defer pgPool.Close()
		slog.Info("audit trail enabled")
	}

	dispatcher := dispatch.New(trackerClient, store, auditor)

	var statusServer *http.Server
	if cfg.Status != nil {
		srv := &statusapi.Server{Queue: store}
		if pgPool != nil {
			srv.Postgres = postgres.NewHealthChecker(pgPool)
		}
		if s3Health != nil {
			srv.S3 = s3Health
		}
		statusServer = &http.Server{
			Addr:              cfg.Status.ListenAddr,
			Handler:           statusapi.NewRouter(srv),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher.Start(gctx)
	engine.Start(gctx)
	runnerSet.Start(gctx)
	dispatcher.Start(gctx)

	if statusServer != nil {
		g.Go(func() error {
			slog.Info("status server starting", "addr", statusServer.Addr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	slog.Info("snowpatchd started", "project", cfg.Name, "runners", len(runners))

	<-gctx.Done()
	slog.Info("shutting down")

	watcher.Stop()
	engine.Stop()
	runnerSet.Stop()
	dispatcher.Stop()

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("status server shutdown error", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("snowpatchd shutdown complete")
	return nil
}

func toRunnerTrigger(t config.RunnerTrigger) runner.Trigger {
	if t.OnPush != nil {
		return runner.Trigger{Kind: runner.TriggerOnPush, Remote: t.OnPush.Remote}
	}
	return runner.Trigger{Kind: runner.TriggerManual, Data: t.Manual.Data}
}
