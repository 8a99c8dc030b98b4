// Package watchcat implements the Watcher: a periodic scan of the patch
// tracker that discovers newly-actionable series and enqueues them for the
// Git Engine. Named after the "seen by watchcat" queue it populates.
package watchcat

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/ruscur/snowpatch/internal/queue"
	"golang.org/x/sync/errgroup"
)

// MinScanInterval is the floor enforced regardless of configured cadence:
// the tracker is never scanned more often than once per 10 minutes of wall
// time.
const MinScanInterval = 10 * time.Minute

const (
	treeSeen         = "seen by watchcat"
	treeNeedsTesting = "needs testing"
)

// Tracker is the subset of tracker.Client the Watcher depends on.
type Tracker interface {
	GetSeriesList(ctx context.Context, project string) ([]domain.Series, error)
}

// Watchcat periodically scans a single project for actionable series.
type Watchcat struct {
	tracker  Tracker
	store    *queue.Store
	project  string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Watchcat scanning project at most once per interval (floored
// to MinScanInterval). For a cron-computed cadence use NewFromCron, to which
// the same 10-minute floor applies.
func New(tracker Tracker, store *queue.Store, project string, interval time.Duration) *Watchcat {
	if interval < MinScanInterval {
		interval = MinScanInterval
	}
	return &Watchcat{tracker: tracker, store: store, project: project, interval: interval}
}

// NewFromCron builds a Watchcat whose cadence is given by a 5-field cron
// expression rather than a bare interval. The next two firings are used to
// derive an effective interval, which is still floored to MinScanInterval.
func NewFromCron(tracker Tracker, store *queue.Store, project, cronExpr string) (*Watchcat, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	first := sched.Next(now)
	second := sched.Next(first)
	return New(tracker, store, project, second.Sub(first)), nil
}

// Start begins the scan loop. It returns immediately; call Stop to wait for
// the goroutine to exit.
func (w *Watchcat) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Scan(ctx); err != nil {
					slog.Warn("watchcat: scan aborted", "project", w.project, "error", err)
				}
			}
		}
	}()
}

// Stop cancels the scan loop and waits for it to exit.
func (w *Watchcat) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// Scan performs a single scan-and-enqueue pass. A network error from the
// tracker aborts the whole scan (retried on the next tick); a failure
// handling one series is logged and does not stop the others.
func (w *Watchcat) Scan(ctx context.Context) error {
	list, err := w.tracker.GetSeriesList(ctx, w.project)
	if err != nil {
		return err
	}

	var actionable []domain.Series
	for _, s := range list {
		if w.admit(s) {
			actionable = append(actionable, s)
		}
	}
	if len(actionable) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range actionable {
		s := s
		g.Go(func() error {
			w.enqueue(gctx, s)
			return nil
		})
	}
	return g.Wait()
}

// admit applies the conjunction of filters a series must pass to be
// enqueued: admissible, not already seen, and the last patch is
// action-required.
func (w *Watchcat) admit(s domain.Series) bool {
	if !s.Admissible() {
		return false
	}
	seen, ok, err := w.store.Get(treeSeen, seriesKey(s.ID))
	if err != nil {
		slog.Warn("watchcat: checking seen queue failed, skipping series", "series_id", s.ID, "error", err)
		return false
	}
	if ok {
		_ = seen
		return false
	}
	last, ok := s.LastPatch()
	if !ok {
		return false
	}
	return last.ActionRequired()
}

// enqueue marks s as seen and inserts its work item into "needs testing".
// Observation is recorded even if the enqueue itself fails, accepting
// at-most-once observation over replaying duplicate work after a restart.
func (w *Watchcat) enqueue(ctx context.Context, s domain.Series) {
	if err := w.store.Insert(treeSeen, seriesKey(s.ID), []byte("1")); err != nil {
		slog.Error("watchcat: failed marking series seen", "series_id", s.ID, "error", err)
	}
	if err := w.store.Insert(treeNeedsTesting, seriesKey(s.ID), []byte(s.MboxURL)); err != nil {
		slog.Error("watchcat: failed enqueueing work item", "series_id", s.ID, "error", err)
		return
	}
	slog.Info("watchcat: enqueued series", "series_id", s.ID, "project", s.Project)
}

func seriesKey(id int64) []byte {
	return queue.EncodeSeriesKey(id)
}
