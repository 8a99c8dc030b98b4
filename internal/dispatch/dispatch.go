// Package dispatch implements the Dispatcher: drains "needs dispatch" and
// posts verdicts upstream via the Tracker Client. Each pass accumulates a
// remove-list and applies removals after the scan, avoiding iterator
// invalidation.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
)

const treeNeedsDispatch = "needs dispatch"

// Tracker is the subset of tracker.Client the Dispatcher depends on.
type Tracker interface {
	GetSeries(ctx context.Context, id int64) (domain.Series, error)
	SendCheck(ctx context.Context, series domain.Series, verdict domain.Verdict) error
}

// Auditor records every Verdict that was successfully posted upstream.
// Satisfied by *postgres.AuditStore; optional, enabled only when the
// postgres section of the configuration is present.
type Auditor interface {
	Record(ctx context.Context, seriesID int64, verdict domain.Verdict) error
}

// Dispatcher drains completed runner results and posts structured Verdicts
// back to the patch tracker.
type Dispatcher struct {
	tracker Tracker
	store   *queue.Store
	audit   Auditor

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Dispatcher. audit may be nil if no audit trail is configured.
func New(tracker Tracker, store *queue.Store, audit Auditor) *Dispatcher {
	return &Dispatcher{tracker: tracker, store: store, audit: audit}
}

// Start begins the drain loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := d.DrainOnce(ctx)
			if err != nil {
				slog.Error("dispatch: drain pass failed", "error", err)
			}
			if n > 0 {
				continue
			}
			if err := d.store.Wait(ctx, treeNeedsDispatch); err != nil {
				return
			}
		}
	}()
}

// Stop cancels the drain loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.done != nil {
		<-d.done
	}
}

// DrainOnce performs a single drain pass over "needs dispatch", returning
// how many entries it attempted to post (regardless of per-entry success).
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	type entry struct {
		key    []byte
		handle string
		series int64
		job    string
		result domain.RunnerResult
	}

	var entries []entry
	var toRemove [][]byte
	err := d.store.Iterate(treeNeedsDispatch, func(key, value []byte) error {
		handle, series, job, perr := queue.ParseDispatchKey(string(key))
		if perr != nil {
			slog.Error("dispatch: malformed queue key, dropping", "key", string(key), "error", perr)
			toRemove = append(toRemove, key)
			return nil
		}
		var result domain.RunnerResult
		if derr := queue.DecodeRunnerResult(value, &result); derr != nil {
			slog.Error("dispatch: malformed queue value, dropping", "key", string(key), "error", derr)
			toRemove = append(toRemove, key)
			return nil
		}
		entries = append(entries, entry{key: append([]byte(nil), key...), handle: handle, series: series, job: job, result: result})
		return nil
	})
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, e := range entries {
		if e.result.JobState == domain.JobFailed {
			// Left undispatched: an open policy question (see DESIGN.md)
			// whether to post a warning, retry, or give up.
			slog.Warn("dispatch: runner result failed, leaving undispatched", "handle", e.handle, "series_id", e.series, "job", e.job)
			continue
		}
		attempted++

		series, serr := d.tracker.GetSeries(ctx, e.series)
		if serr != nil {
			slog.Error("dispatch: failed fetching series, will retry", "series_id", e.series, "error", serr)
			continue
		}

		verdict := domain.Verdict{
			State:       e.result.Outcome,
			TargetURL:   e.result.URL,
			Description: e.result.Description,
			Context:     e.handle + "-" + e.job,
		}
		if err := d.tracker.SendCheck(ctx, series, verdict); err != nil {
			slog.Error("dispatch: send_check failed, will retry", "series_id", e.series, "error", err)
			continue
		}
		if d.audit != nil {
			if err := d.audit.Record(ctx, e.series, verdict); err != nil {
				slog.Error("dispatch: audit record failed", "series_id", e.series, "error", err)
			}
		}
		toRemove = append(toRemove, e.key)
	}

	for _, key := range toRemove {
		if err := d.store.Remove(treeNeedsDispatch, key); err != nil {
			return attempted, fmt.Errorf("remove dispatched entry: %w", err)
		}
	}
	return attempted, nil
}
