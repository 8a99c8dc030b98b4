package runner

import (
	"context"
	"net/http"

	"github.com/ruscur/snowpatch/internal/domain"
)

func init() {
	Register("manual", newManualRunner)
}

// manualRunner implements the Manual trigger variant of the runner
// descriptor's tagged union: backends that don't react to a push on their
// own, where a human or external system reports completion some other
// way. It never
// polls and never produces a terminal result by itself — get_progress
// always reports no results for the branch, so a series pushed to a
// manual-trigger runner simply sits in "<handle> working" until an
// operator or external integration moves it along by some out-of-band
// mechanism this package does not implement.
type manualRunner struct {
	handle string
	data   string
}

func newManualRunner(cfg Config, _ *http.Client) (Runner, error) {
	return &manualRunner{handle: cfg.Handle, data: cfg.Trigger.Data}, nil
}

func (m *manualRunner) Handle() string { return m.handle }

func (m *manualRunner) StartWork(ctx context.Context, branch string, url string) error {
	return nil
}

func (m *manualRunner) GetProgress(ctx context.Context, branch string, url string) ([]domain.RunnerResult, error) {
	return nil, nil
}

func (m *manualRunner) CleanUp(ctx context.Context, branch string, url string) error {
	return nil
}
