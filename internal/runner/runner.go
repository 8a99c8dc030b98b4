// Package runner implements the Runner Set: one adaptor per CI backend
// behind a common capability-set interface, the new-job watcher that hands
// off pushed branches to a Runner, and the completion-waiter that polls for
// terminal results and feeds the Dispatcher's "needs dispatch" queue.
package runner

import (
	"context"

	"github.com/ruscur/snowpatch/internal/domain"
)

// Runner is the polymorphic adaptor capability set each CI backend
// implements: start work on a pushed branch, poll its progress, and clean
// up once that progress has gone terminal.
type Runner interface {
	// Handle is this Runner's configured identifier; queue names
	// ("<handle> queue", "<handle> working") are derived from it.
	Handle() string

	// StartWork is called once a branch has been pushed. url, when
	// non-empty, is adaptor-specific context carried from the trigger
	// config (e.g. a specific workflow file).
	StartWork(ctx context.Context, branch string, url string) error

	// GetProgress lists the current RunnerResults for branch.
	GetProgress(ctx context.Context, branch string, url string) ([]domain.RunnerResult, error)

	// CleanUp releases any adaptor-side state held for branch (e.g.
	// cancelling in-flight polling); called once every result has gone
	// terminal.
	CleanUp(ctx context.Context, branch string, url string) error
}

// TriggerKind distinguishes the two trigger variants of the runner
// descriptor's tagged union.
type TriggerKind string

const (
	TriggerOnPush TriggerKind = "on_push"
	TriggerManual TriggerKind = "manual"
)

// Trigger is the tagged union `{OnPush: {remote}}` or `{Manual: {data}}`
// from the runner descriptor's config schema.
type Trigger struct {
	Kind   TriggerKind
	Remote string // set when Kind == TriggerOnPush
	Data   string // set when Kind == TriggerManual
}

// Config is the per-runner descriptor read from the `runners[]` config
// section: `{kind, url, optional token, trigger}`.
type Config struct {
	Handle  string
	Kind    string
	URL     string
	Token   string
	Trigger Trigger
}
