package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
)

// completionPollInterval is the fixed interval at which a completion-waiter
// re-checks get_progress.
const completionPollInterval = 90 * time.Second

const treeNeedsDispatch = "needs dispatch"

// Set owns one new-job watcher per configured Runner and the
// completion-waiters it spawns.
type Set struct {
	store   *queue.Store
	runners []Runner

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSet builds a Set over the given Runners, sharing one Queue Store.
func NewSet(store *queue.Store, runners []Runner) *Set {
	return &Set{store: store, runners: runners}
}

// Start launches one new-job watcher goroutine per Runner.
func (s *Set) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	for _, r := range s.runners {
		r := r
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchNewJobs(ctx, r)
		}()
	}

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// Stop cancels every new-job watcher and completion-waiter and waits for
// them to exit.
func (s *Set) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func queueTree(handle string) string   { return handle + " queue" }
func workingTree(handle string) string { return handle + " working" }

// watchNewJobs is the new-job watcher: drains "<handle> queue", calls
// StartWork, moves the entry into "<handle> working", and spawns a
// completion-waiter for it.
func (s *Set) watchNewJobs(ctx context.Context, r Runner) {
	handle := r.Handle()
	queueName := queueTree(handle)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.drainOnce(ctx, r)
		if err != nil {
			slog.Error("runner: new-job watcher pass failed", "handle", handle, "error", err)
		}
		if n > 0 {
			continue
		}
		if err := s.store.Wait(ctx, queueName); err != nil {
			return
		}
	}
}

func (s *Set) drainOnce(ctx context.Context, r Runner) (int, error) {
	handle := r.Handle()
	queueName := queueTree(handle)

	var ids []int64
	err := s.store.Iterate(queueName, func(key, value []byte) error {
		id, derr := queue.DecodeSeriesKey(key)
		if derr != nil {
			return derr
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		branch := domain.BranchName(id)
		if err := r.StartWork(ctx, branch, ""); err != nil {
			slog.Error("runner: start_work failed", "handle", handle, "series_id", id, "error", err)
			continue
		}
		if err := s.store.Move(queueName, workingTree(handle), string(queue.EncodeSeriesKey(id))); err != nil {
			slog.Error("runner: move to working failed", "handle", handle, "series_id", id, "error", err)
			continue
		}
		s.wg.Add(1)
		go func(id int64) {
			defer s.wg.Done()
			s.waitForCompletion(ctx, r, id)
		}(id)
	}
	return len(ids), nil
}

// waitForCompletion is the completion-waiter: polls get_progress every 90s,
// inserting a "needs dispatch" entry for each newly terminal RunnerResult,
// and exits once every observed result has gone terminal.
func (s *Set) waitForCompletion(ctx context.Context, r Runner, seriesID int64) {
	handle := r.Handle()
	branch := domain.BranchName(seriesID)
	emitted := make(map[string]bool)

	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()

	for {
		results, err := r.GetProgress(ctx, branch, "")
		if err != nil {
			slog.Error("runner: get_progress failed", "handle", handle, "series_id", seriesID, "error", err)
		} else {
			allTerminal := len(results) > 0
			for _, res := range results {
				if !res.JobState.Terminal() {
					allTerminal = false
					continue
				}
				if emitted[res.JobName] {
					continue
				}
				if err := s.emitResult(handle, seriesID, res); err != nil {
					slog.Error("runner: failed enqueueing dispatch entry", "handle", handle, "series_id", seriesID, "job", res.JobName, "error", err)
					continue
				}
				emitted[res.JobName] = true
			}
			if allTerminal {
				if err := r.CleanUp(ctx, branch, ""); err != nil {
					slog.Warn("runner: clean_up failed", "handle", handle, "series_id", seriesID, "error", err)
				}
				if err := s.store.Remove(workingTree(handle), queue.EncodeSeriesKey(seriesID)); err != nil {
					slog.Error("runner: failed removing working entry", "handle", handle, "series_id", seriesID, "error", err)
				}
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Set) emitResult(handle string, seriesID int64, result domain.RunnerResult) error {
	key := []byte(queue.DispatchKey(handle, seriesID, result.JobName))
	value, err := queue.EncodeRunnerResult(result)
	if err != nil {
		return err
	}
	return s.store.Insert(treeNeedsDispatch, key, value)
}
