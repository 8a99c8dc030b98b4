// Package git implements the Git Engine: a pool of N worktrees against one
// maintained repository, the ingest loop that drains "needs testing", and
// the per-slot worker that applies a series' patches, commits, and pushes.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
)

const (
	treeNeedsTesting   = "needs testing"
	treeAwaitingWorker = "awaiting git worker"
	treeGitFailures    = "git failures"
	treeRemotesToPush  = "remotes to push to"
	defaultBaseBranch  = "master"
)

func workerTree(slot int) string { return fmt.Sprintf("git worker %d", slot) }

// RegisterPushTarget records that series branches should be pushed to
// remote, with the pushed branch expected to trigger the runner identified
// by handle. Called once per on-push-triggered runner at startup, before
// the Engine is started; pushToRemotes iterates these entries for every
// processed series.
func RegisterPushTarget(store *queue.Store, remote, handle string) error {
	return store.Insert(treeRemotesToPush, []byte(remote), []byte(handle))
}

// Archiver uploads failure artifacts (mbox + apply stderr) for operator
// diagnosis. Implemented by internal/archive when an s3 config section is
// present; a nil Archiver disables uploads entirely.
type Archiver interface {
	ArchiveFailure(ctx context.Context, seriesID int64, mbox []byte, stderr string) error
}

// SSHCredentials names the scalar Queue Store keys holding SSH key paths.
// Push callbacks run from worker goroutines and read credentials through
// the Queue Store rather than holding configuration references directly.
const (
	ScalarSSHPublicKeyPath  = "ssh public key path"
	ScalarSSHPrivateKeyPath = "ssh private key path"
)

// Config configures an Engine.
type Config struct {
	RepoPath         string // local clone of the maintained repository
	WorkDir          string // where worktrees snowpatch0..N-1 are created
	Workers          int    // N, worktree pool size (default 1)
	BaseBranch       string // default "master"
	SeriesLinkPrefix string // prepended to series id in commit messages
	SSHUser          string // SSH user for push authentication
}

// Engine owns the maintained repository, its worktree pool, and the ingest
// loop feeding work to the pool.
type Engine struct {
	cfg        Config
	store      *queue.Store
	httpClient *http.Client
	archive    Archiver

	repo *git.Repository // opened single-threaded during Init only

	slots chan int // bounded pool of free slot indices, capacity N
	wg    sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Engine. Call Init before Start.
func New(cfg Config, store *queue.Store, httpClient *http.Client, archive Archiver) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = defaultBaseBranch
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	slots := make(chan int, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		slots <- i
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		archive:    archive,
		slots:      slots,
	}
}

// Init opens the maintained repository and ensures the worktree pool
// exists: for each expected slot, open-and-validate, or prune and
// recreate. All operations against the base repository object happen here,
// single-threaded, before Start is called.
func (e *Engine) Init(ctx context.Context) error {
	repo, err := git.PlainOpen(e.cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("git: open maintained repository %s: %w", e.cfg.RepoPath, err)
	}
	e.repo = repo

	for i := 0; i < e.cfg.Workers; i++ {
		if err := e.ensureWorktree(i); err != nil {
			return fmt.Errorf("git: prepare worktree %d: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) worktreePath(slot int) string {
	return filepath.Join(e.cfg.WorkDir, fmt.Sprintf("snowpatch%d", slot))
}

// ensureWorktree implements the three-step init algorithm: open-and-probe,
// and on any failure, prune + remove + delete-branch + recreate. A
// repository-open probe is required because worktree deletion on disk is
// not otherwise detectable: git's own worktree list can still reference a
// directory that no longer exists.
func (e *Engine) ensureWorktree(slot int) error {
	path := e.worktreePath(slot)
	branch := fmt.Sprintf("snowpatch-slot-%d", slot)

	if _, err := git.PlainOpen(path); err == nil {
		return nil
	}

	slog.Warn("git: worktree missing or invalid, recreating", "slot", slot, "path", path)
	_ = e.runGit(e.cfg.RepoPath, "worktree", "remove", "--force", path)
	_ = os.RemoveAll(path)
	_ = os.RemoveAll(filepath.Join(e.cfg.RepoPath, ".git", "worktrees", filepath.Base(path)))
	_ = e.runGit(e.cfg.RepoPath, "worktree", "prune")
	_ = e.runGit(e.cfg.RepoPath, "branch", "-D", branch)

	if err := e.runGit(e.cfg.RepoPath, "worktree", "add", "-B", branch, path, e.cfg.BaseBranch); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

func (e *Engine) runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return nil
}

// Start begins the ingest loop: drain "needs testing" oldest-first, moving
// each item to "awaiting git worker" and scheduling it onto the bounded
// worker pool.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		defer e.wg.Wait()
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := e.ingestOnce(ctx)
			if err != nil {
				slog.Error("git: ingest pass failed", "error", err)
			}
			if n > 0 {
				continue
			}
			if err := e.store.Wait(ctx, treeNeedsTesting); err != nil {
				return
			}
		}
	}()
}

// Stop cancels the ingest loop and waits for in-flight worker tasks to
// finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// ingestOnce moves every currently-queued item from "needs testing" into
// "awaiting git worker" and schedules a worker task for each, returning how
// many it processed.
func (e *Engine) ingestOnce(ctx context.Context) (int, error) {
	var items []domain.WorkItem
	err := e.store.Iterate(treeNeedsTesting, func(key, value []byte) error {
		id, derr := queue.DecodeSeriesKey(key)
		if derr != nil {
			return derr
		}
		items = append(items, domain.WorkItem{SeriesID: id, MboxURL: string(value)})
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, item := range items {
		if err := e.store.Move(treeNeedsTesting, treeAwaitingWorker, string(queue.EncodeSeriesKey(item.SeriesID))); err != nil {
			slog.Error("git: move to awaiting-worker failed", "series_id", item.SeriesID, "error", err)
			continue
		}
		e.schedule(ctx, item)
	}
	return len(items), nil
}

// schedule acquires a free slot from the bounded pool (blocking the
// goroutine it spawns, not the ingest loop's caller, which returns
// immediately after starting it) and runs the work item's worker task.
func (e *Engine) schedule(ctx context.Context, item domain.WorkItem) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var slot int
		select {
		case slot = <-e.slots:
		case <-ctx.Done():
			return
		}
		defer func() { e.slots <- slot }()
		e.runWorker(ctx, slot, item)
	}()
}
