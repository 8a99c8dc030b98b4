package runner

import (
	"fmt"

	"github.com/ruscur/snowpatch/internal/domain"
)

// conclusionToOutcome maps a remote CI conclusion to a Verdict state.
// setupFailed weakens an otherwise-fail outcome
// to warning, since a setup-step failure is not attributable to the patch
// under test.
func conclusionToOutcome(conclusion string, annotationCount int, setupFailed bool) domain.CheckState {
	switch conclusion {
	case "success":
		if annotationCount > 0 {
			return domain.CheckStateWarning
		}
		return domain.CheckStateSuccess
	case "neutral", "skipped", "stale":
		return domain.CheckStateWarning
	case "failure", "cancelled", "timed_out":
		if setupFailed {
			return domain.CheckStateWarning
		}
		return domain.CheckStateFail
	case "action_required":
		return domain.CheckStateFail
	case "startup_failure":
		return domain.CheckStateFail
	default:
		return domain.CheckStatePending
	}
}

// jobStateForConclusion maps a workflow run's status/conclusion to the
// JobState enum. Conclusions cancelled, stale, skipped, timed_out, and
// startup_failure map to Failed even though the run "completed".
func jobStateForConclusion(status, conclusion string) domain.JobState {
	switch status {
	case "queued", "waiting", "pending":
		return domain.JobWaiting
	case "in_progress":
		return domain.JobRunning
	}
	switch conclusion {
	case "cancelled", "stale", "skipped", "timed_out", "startup_failure":
		return domain.JobFailed
	default:
		return domain.JobCompleted
	}
}

// describeFailure builds the human-readable failure description: a single
// failing step names it, multiple failing steps are counted, and a failed
// setup step weakens attribution (handled by the caller via setupFailed).
func describeFailure(jobName string, failingSteps []string, setupFailed bool) string {
	if setupFailed {
		return fmt.Sprintf("%s: setup step failed to run, not attributable to the patch", jobName)
	}
	switch len(failingSteps) {
	case 0:
		return fmt.Sprintf("%s failed", jobName)
	case 1:
		return fmt.Sprintf("%s failed at step %s", jobName, failingSteps[0])
	default:
		return fmt.Sprintf("%s failed (%d steps failed)", jobName, len(failingSteps))
	}
}

// isSetupStep reports whether a step name is GitHub Actions' own bookkeeping
// step rather than anything the workflow author wrote.
func isSetupStep(name string) bool {
	return name == "Set up job" || name == "Complete job"
}
