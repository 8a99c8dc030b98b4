package runner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/ruscur/snowpatch/internal/domain"
	"golang.org/x/oauth2"
)

const (
	startWorkTimeout = 600 * time.Second
	startWorkPoll    = 30 * time.Second
)

func init() {
	Register("github", newGitHubRunner)
}

// githubRunner triggers CI by the branch push the Git Engine already
// performed and observes GitHub Actions workflow runs filtered by that
// branch.
type githubRunner struct {
	handle string
	owner  string
	repo   string
	client *github.Client
}

func newGitHubRunner(cfg Config, httpClient *http.Client) (Runner, error) {
	owner, repo, err := ownerRepoFromURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", cfg.Handle, err)
	}
	client := github.NewClient(oauthHTTPClient(httpClient, cfg.Token))
	return &githubRunner{handle: cfg.Handle, owner: owner, repo: repo, client: client}, nil
}

// oauthHTTPClient wraps the process's shared http.Client with GitHub's
// OAuth2 static-token transport, per go-github's documented client
// construction. With an empty token it returns the shared client
// unmodified, for anonymous (rate-limited) access.
func oauthHTTPClient(shared *http.Client, token string) *http.Client {
	if token == "" {
		return shared
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, shared)
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(ctx, ts)
}

func ownerRepoFromURL(raw string) (owner, repo string, err error) {
	trimmed := strings.TrimPrefix(raw, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "github.com/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	trimmed = strings.Trim(trimmed, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from url %q", raw)
	}
	return parts[0], parts[1], nil
}

func (g *githubRunner) Handle() string { return g.handle }

// StartWork polls for the first workflow run matching branch, accepting up
// to startWorkTimeout for it to appear. Finding nothing is not an error —
// the branch was pushed successfully, and CI may simply be slow to pick it
// up or not configured to react to it.
func (g *githubRunner) StartWork(ctx context.Context, branch string, _ string) error {
	deadline := time.Now().Add(startWorkTimeout)
	for {
		runs, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.owner, g.repo, &github.ListWorkflowRunsOptions{
			Branch: branch,
		})
		if err != nil {
			return fmt.Errorf("github runner %s: list workflow runs for %s: %w", g.handle, branch, err)
		}
		if runs != nil && runs.GetTotalCount() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startWorkPoll):
		}
	}
}

// GetProgress lists workflow runs for branch and builds one RunnerResult per
// run.
func (g *githubRunner) GetProgress(ctx context.Context, branch string, _ string) ([]domain.RunnerResult, error) {
	runs, _, err := g.client.Actions.ListRepositoryWorkflowRuns(ctx, g.owner, g.repo, &github.ListWorkflowRunsOptions{
		Branch: branch,
	})
	if err != nil {
		return nil, fmt.Errorf("github runner %s: list workflow runs for %s: %w", g.handle, branch, err)
	}

	var results []domain.RunnerResult
	for _, run := range runs.WorkflowRuns {
		results = append(results, g.resultForRun(ctx, run))
	}
	return results, nil
}

func (g *githubRunner) resultForRun(ctx context.Context, run *github.WorkflowRun) domain.RunnerResult {
	status := run.GetStatus()
	conclusion := run.GetConclusion()
	jobState := jobStateForConclusion(status, conclusion)

	result := domain.RunnerResult{
		JobName:  run.GetName(),
		JobState: jobState,
		URL:      run.GetHTMLURL(),
	}
	if !jobState.Terminal() {
		result.Outcome = domain.CheckStatePending
		return result
	}

	switch conclusion {
	case "success":
		annotations := g.countAnnotations(ctx, run)
		result.Outcome = conclusionToOutcome(conclusion, annotations, false)
		if annotations > 0 {
			result.Description = fmt.Sprintf("%d annotation(s) on otherwise-successful run", annotations)
		}
	case "failure":
		failingSteps, setupFailed := g.failingSteps(ctx, run)
		result.Outcome = conclusionToOutcome(conclusion, 0, setupFailed)
		result.Description = describeFailure(run.GetName(), failingSteps, setupFailed)
	case "action_required":
		result.Outcome = domain.CheckStateFail
		result.Description = "manual intervention required"
	default:
		result.Outcome = conclusionToOutcome(conclusion, 0, false)
	}
	return result
}

// failingSteps inspects each job of run for failed steps, returning the
// names of failing steps and whether a GitHub Actions setup step was among
// them (which weakens the outcome to warning rather than fail).
func (g *githubRunner) failingSteps(ctx context.Context, run *github.WorkflowRun) (steps []string, setupFailed bool) {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.owner, g.repo, run.GetID(), nil)
	if err != nil {
		return nil, false
	}
	for _, job := range jobs.Jobs {
		if job.GetConclusion() != "failure" {
			continue
		}
		for _, step := range job.Steps {
			if step.GetConclusion() != "failure" {
				continue
			}
			if isSetupStep(step.GetName()) {
				setupFailed = true
				continue
			}
			steps = append(steps, step.GetName())
		}
	}
	return steps, setupFailed
}

// countAnnotations sums check-run annotations across run's jobs, treating
// each job's id as its corresponding check run id (GitHub Actions creates
// exactly one check run per job, sharing the job's id).
func (g *githubRunner) countAnnotations(ctx context.Context, run *github.WorkflowRun) int {
	jobs, _, err := g.client.Actions.ListWorkflowJobs(ctx, g.owner, g.repo, run.GetID(), nil)
	if err != nil {
		return 0
	}
	total := 0
	for _, job := range jobs.Jobs {
		annotations, _, err := g.client.Checks.ListCheckRunAnnotations(ctx, g.owner, g.repo, job.GetID(), nil)
		if err != nil {
			continue
		}
		total += len(annotations)
	}
	return total
}

// CleanUp is a no-op for the GitHub adaptor: there is no adaptor-side state
// to release, only read-only polling.
func (g *githubRunner) CleanUp(ctx context.Context, branch string, _ string) error {
	return nil
}
