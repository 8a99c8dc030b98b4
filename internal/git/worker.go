package git

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
)

// runWorker is the per-slot state machine: claim the item's mailbox, reset
// the worktree, fetch and apply the mbox, commit, push, and enqueue runner
// work — or, on any failure, move the item to "git failures".
func (e *Engine) runWorker(ctx context.Context, slot int, item domain.WorkItem) {
	key := queue.EncodeSeriesKey(item.SeriesID)
	mailbox := workerTree(slot)

	if err := e.claimMailbox(ctx, mailbox, key); err != nil {
		slog.Error("git: failed claiming worker mailbox", "series_id", item.SeriesID, "slot", slot, "error", err)
		return
	}

	log := slog.With("series_id", item.SeriesID, "slot", slot)

	if err := e.process(ctx, slot, item, log); err != nil {
		log.Error("git: work item failed", "error", err)
		if archErr := e.archiveFailure(ctx, item, err); archErr != nil {
			log.Warn("git: failed archiving failure artifact", "error", archErr)
		}
		if mvErr := e.store.MoveBytes(mailbox, treeGitFailures, key); mvErr != nil {
			log.Error("git: failed moving item to git failures", "error", mvErr)
		}
		return
	}

	if err := e.store.Remove(mailbox, key); err != nil {
		log.Error("git: failed removing completed item from mailbox", "error", err)
	}
}

// claimMailbox moves the item out of "awaiting git worker" and into its
// slot's single-item mailbox tree, so the key is present in exactly one
// tree at every point of the handoff. If a prior item is already present
// (crash recovery), it waits on the mailbox's change-subscription until it
// empties, then retries the move.
func (e *Engine) claimMailbox(ctx context.Context, mailbox string, key []byte) error {
	for {
		n, err := e.store.Len(mailbox)
		if err != nil {
			return err
		}
		if n > 0 {
			if waitErr := e.store.Wait(ctx, mailbox); waitErr != nil {
				return waitErr
			}
			continue
		}
		return e.store.MoveBytes(treeAwaitingWorker, mailbox, key)
	}
}

// process runs steps 2-8 of the worker state machine against the worktree
// owned by slot.
func (e *Engine) process(ctx context.Context, slot int, item domain.WorkItem, log *slog.Logger) error {
	path := e.worktreePath(slot)

	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree handle: %w", err)
	}

	tip, err := resolveBranchTip(e.repo, e.cfg.BaseBranch)
	if err != nil {
		return fmt.Errorf("resolve base branch tip: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{Commit: tip, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("reset to base tip: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		log.Warn("git: clean reported an error, continuing best-effort", "error", err)
	}

	mbox, err := e.fetchMbox(ctx, item.MboxURL)
	if err != nil {
		return fmt.Errorf("fetch mbox: %w", err)
	}

	if err := applyMbox(ctx, wt, path, mbox); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}

	commitHash, err := e.commit(wt, item.SeriesID)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	log.Info("git: committed series", "commit", commitHash.String())

	handles, err := e.pushToRemotes(ctx, repo, item.SeriesID, log)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	for _, handle := range handles {
		if err := e.store.Insert(handle+" queue", queue.EncodeSeriesKey(item.SeriesID), []byte("new")); err != nil {
			return fmt.Errorf("enqueue runner work for %s: %w", handle, err)
		}
	}
	return nil
}

// resolveBranchTip resolves branch's current commit hash against the base
// (non-worktree) repository object. The base repository object is only
// ever mutated single-threaded during Init; this is a read-only lookup,
// safe to call from any worker goroutine.
func resolveBranchTip(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return plumbing.Hash{}, err
	}
	return ref.Hash(), nil
}

func (e *Engine) fetchMbox(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s fetching mbox", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// commit creates a commit on top of the current index, naming the series
// in both the summary and body so the tracker link is recoverable from
// `git log` alone.
func (e *Engine) commit(wt *git.Worktree, seriesID int64) (plumbing.Hash, error) {
	sig := object.Signature{
		Name:  e.cfg.SSHUser,
		Email: e.cfg.SSHUser + "@snowpatch.local",
		When:  time.Now(),
	}
	msg := fmt.Sprintf("From patchwork series %d\n\n%s%d", seriesID, e.cfg.SeriesLinkPrefix, seriesID)
	return wt.Commit(msg, &git.CommitOptions{
		Author:    &sig,
		Committer: &sig,
	})
}

func (e *Engine) archiveFailure(ctx context.Context, item domain.WorkItem, cause error) error {
	if e.archive == nil {
		return nil
	}
	mbox, err := e.fetchMbox(ctx, item.MboxURL)
	if err != nil {
		mbox = []byte("(mbox unavailable: " + err.Error() + ")")
	}
	return e.archive.ArchiveFailure(ctx, item.SeriesID, mbox, cause.Error())
}
