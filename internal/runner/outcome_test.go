package runner

import (
	"testing"

	"github.com/ruscur/snowpatch/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestConclusionToOutcome_Table(t *testing.T) {
	cases := []struct {
		conclusion  string
		annotations int
		setupFailed bool
		want        domain.CheckState
	}{
		{"success", 0, false, domain.CheckStateSuccess},
		{"success", 2, false, domain.CheckStateWarning},
		{"neutral", 0, false, domain.CheckStateWarning},
		{"skipped", 0, false, domain.CheckStateWarning},
		{"stale", 0, false, domain.CheckStateWarning},
		{"failure", 0, false, domain.CheckStateFail},
		{"failure", 0, true, domain.CheckStateWarning},
		{"cancelled", 0, false, domain.CheckStateFail},
		{"timed_out", 0, false, domain.CheckStateFail},
		{"action_required", 0, false, domain.CheckStateFail},
		{"startup_failure", 0, false, domain.CheckStateFail},
	}
	for _, c := range cases {
		got := conclusionToOutcome(c.conclusion, c.annotations, c.setupFailed)
		assert.Equal(t, c.want, got, "conclusion=%s annotations=%d setupFailed=%v", c.conclusion, c.annotations, c.setupFailed)
	}
}

func TestJobStateForConclusion(t *testing.T) {
	assert.Equal(t, domain.JobWaiting, jobStateForConclusion("queued", ""))
	assert.Equal(t, domain.JobRunning, jobStateForConclusion("in_progress", ""))
	assert.Equal(t, domain.JobCompleted, jobStateForConclusion("completed", "success"))
	assert.Equal(t, domain.JobFailed, jobStateForConclusion("completed", "cancelled"))
	assert.Equal(t, domain.JobFailed, jobStateForConclusion("completed", "stale"))
	assert.Equal(t, domain.JobFailed, jobStateForConclusion("completed", "timed_out"))
}

func TestDescribeFailure_SingleStep(t *testing.T) {
	desc := describeFailure("build", []string{"Run tests"}, false)
	assert.Contains(t, desc, "build failed at step Run tests")
}

func TestDescribeFailure_MultipleSteps(t *testing.T) {
	desc := describeFailure("build", []string{"a", "b"}, false)
	assert.Contains(t, desc, "2 steps failed")
}

func TestDescribeFailure_SetupFailed(t *testing.T) {
	desc := describeFailure("build", nil, true)
	assert.Contains(t, desc, "setup")
}
