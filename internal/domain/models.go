// Package domain defines the core data types shared across the pipeline
// engine — Series, Patch, Check, Verdict, RunnerResult, and the small value
// types used to move them through the Queue Store. These types represent
// the engine's data model, not any one component's internal state.
//
// Domain types carry json tags because most of them are decoded directly
// from, or encoded directly into, the upstream Patchwork JSON contracts (see
// internal/tracker) or the Queue Store's JSON value encoding (see
// internal/queue).
package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrNotActionable indicates a Patch or Series does not satisfy the
// action-required predicate and must not be admitted to the pipeline.
var ErrNotActionable = errors.New("not action-required")

// toolName and toolVersion identify this engine in a Verdict's default
// context string, built the same way upstream Patchwork clients build
// their own: "<name>-<version>" with every "." replaced by "_", since
// Patchwork contexts are used as dotted config-section keys downstream.
const (
	toolName    = "snowpatch"
	toolVersion = "0.1.0"
)

// defaultContext returns the context string a Verdict falls back to when
// none was set explicitly.
func defaultContext() string {
	return strings.ReplaceAll(toolName+"-"+toolVersion, ".", "_")
}

// PatchState is the upstream Patchwork patch state string. The tracker
// treats unrecognised values as opaque — only "new" and "under-review"
// participate in the action-required predicate.
type PatchState string

const (
	PatchStateNew           PatchState = "new"
	PatchStateUnderReview   PatchState = "under-review"
	PatchStateAccepted      PatchState = "accepted"
	PatchStateRejected      PatchState = "rejected"
	PatchStateRFC           PatchState = "rfc"
	PatchStateNotApplicable PatchState = "not-applicable"
	PatchStateSuperseded    PatchState = "superseded"
)

// CheckState is a Patchwork check's summary state, and also the Verdict
// state posted back upstream. Precedence for get_series_state reduction is
// Pending > Fail > Warning > Success (highest first).
type CheckState string

const (
	CheckStatePending CheckState = "pending"
	CheckStateSuccess CheckState = "success"
	CheckStateWarning CheckState = "warning"
	CheckStateFail    CheckState = "fail"
)

// precedence returns the reduction rank of a CheckState; higher wins.
// Unrecognised states are treated as Pending, the most conservative outcome
// to report while data may still be in flight.
func (s CheckState) precedence() int {
	switch s {
	case CheckStateFail:
		return 3
	case CheckStateWarning:
		return 2
	case CheckStateSuccess:
		return 1
	default:
		return 4
	}
}

// ReduceCheckState folds a list of CheckStates down to the single
// highest-precedence state: Pending > Fail > Warning > Success.
// Returns CheckStatePending for an empty input.
func ReduceCheckState(states []CheckState) CheckState {
	best := CheckStatePending
	bestRank := -1
	for _, s := range states {
		if r := s.precedence(); r > bestRank {
			bestRank = r
			best = s
		}
	}
	return best
}

// Patch is one patch within a Series, as returned by GET /patches/<id>.
type Patch struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	MsgID     string     `json:"msgid"`
	Date      string     `json:"date"`
	State     PatchState `json:"state"`
	Check     CheckState `json:"check"`
	ChecksURL string     `json:"checks"`
	MboxURL   string     `json:"mbox"`
	PullURL   string     `json:"pull_url,omitempty"`
	Project   string     `json:"project"`
	SeriesIDs []int64    `json:"series"`
}

// ActionRequired reports whether this patch still needs CI action: it has
// no associated pull request, and its state is "new" or "under-review".
func (p Patch) ActionRequired() bool {
	if p.PullURL != "" {
		return false
	}
	return p.State == PatchStateNew || p.State == PatchStateUnderReview
}

// Submitter identifies who posted a Series, decoded from the upstream JSON
// contract; no pipeline logic reads it.
type Submitter struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Series is an ordered, non-empty submission of one or more Patches.
type Series struct {
	ID            int64     `json:"id"`
	Version       int       `json:"version"`
	ReceivedAll   bool      `json:"received_all"`
	ReceivedTotal int       `json:"received_total"`
	Project       string    `json:"project"`
	MboxURL       string    `json:"mbox"`
	Submitter     Submitter `json:"submitter"`
	Patches       []Patch   `json:"patches"`
}

// Admissible reports whether this Series may be admitted to the pipeline:
// all patches must have arrived, and there must be at least one.
func (s Series) Admissible() bool {
	return s.ReceivedAll && s.ReceivedTotal > 0
}

// LastPatch returns the last patch in series order, which is both the
// action-required gate (§3) and the POST target for send_check (§4.A).
// Returns the zero Patch and false for an empty series.
func (s Series) LastPatch() (Patch, bool) {
	if len(s.Patches) == 0 {
		return Patch{}, false
	}
	return s.Patches[len(s.Patches)-1], true
}

// Check is a single upstream check record attached to a patch.
type Check struct {
	ID          int64      `json:"id"`
	State       CheckState `json:"state"`
	Context     string     `json:"context"`
	Description string     `json:"description"`
	TargetURL   string     `json:"target_url,omitempty"`
}

// Verdict is the record posted upstream to a patch's checks URL. An empty
// Context is not sent as empty: MarshalJSON substitutes defaultContext(),
// matching the upstream tool's own convention of naming its checks after
// itself when the caller doesn't specify a context.
type Verdict struct {
	State       CheckState `json:"state"`
	TargetURL   string     `json:"target_url,omitempty"`
	Description string     `json:"description,omitempty"`
	Context     string     `json:"context"`
}

// verdictAlias has Verdict's exact field set with none of its methods, so
// MarshalJSON can delegate to the default struct encoder without recursing.
type verdictAlias Verdict

// MarshalJSON encodes v, substituting defaultContext() for an empty
// Context rather than serialising it as "".
func (v Verdict) MarshalJSON() ([]byte, error) {
	a := verdictAlias(v)
	if a.Context == "" {
		a.Context = defaultContext()
	}
	return json.Marshal(a)
}

// JobState is the lifecycle state of a single remote CI job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether a JobState will not transition further.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// RunnerResult is one job's outcome as observed by a Runner adaptor.
type RunnerResult struct {
	JobName     string     `json:"job_name"`
	JobState    JobState   `json:"job_state"`
	Outcome     CheckState `json:"outcome,omitempty"`
	URL         string     `json:"url,omitempty"`
	Description string     `json:"description,omitempty"`
}

// WorkItem is a queued reference from a Series to its mbox, the unit moved
// between the Git Engine's stage queues.
type WorkItem struct {
	SeriesID int64
	MboxURL  string
}

// BranchName is the branch name this engine publishes for a series, on
// every configured remote: refs/heads/snowpatch/<series_id>.
func BranchName(seriesID int64) string {
	return "snowpatch/" + strconv.FormatInt(seriesID, 10)
}
