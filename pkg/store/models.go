package store

import (
	"math"
	"time"

	"gorm.io/datatypes"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/results"
)

// State is the lifecycle state of a run or group.
type State string

// Lifecycle states. Only running rows ever change state.
const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut
}

// ClaimState is the scheduling state of a spec.
type ClaimState string

// Claim states.
const (
	ClaimUnclaimed ClaimState = "unclaimed"
	ClaimClaimed   ClaimState = "claimed"
	ClaimCompleted ClaimState = "completed"
)

// Commit is the VCS metadata of a run.
type Commit struct {
	SHA          string `json:"sha,omitempty"`
	Branch       string `json:"branch,omitempty"`
	Message      string `json:"message,omitempty"`
	AuthorName   string `json:"authorName,omitempty"`
	AuthorEmail  string `json:"authorEmail,omitempty"`
	RemoteOrigin string `json:"remoteOrigin,omitempty"`
}

// Run is one execution of a test suite, possibly split over several groups.
type Run struct {
	ID                  uint                                  `gorm:"primaryKey" json:"-"`
	RunID               string                                `gorm:"uniqueIndex;not null;size:64" json:"runId"`
	ProjectID           string                                `gorm:"index;not null" json:"projectId"`
	CIBuildID           string                                `json:"ciBuildId,omitempty"`
	Commit              Commit                                `gorm:"embedded;embeddedPrefix:commit_" json:"commit"`
	InactivityTimeoutMs int64                                 `gorm:"not null" json:"inactivityTimeoutMs"`
	Hooks               datatypes.JSONSlice[config.HookConfig] `json:"-"`
	State               State                                 `gorm:"index;not null" json:"state"`
	StateChangedAt      time.Time                             `json:"stateChangedAt"`
	Progress            results.Progress                      `gorm:"embedded" json:"progress"`
	LastActivityAt      time.Time                             `gorm:"index" json:"lastActivityAt"`
	CreatedAt           time.Time                             `json:"createdAt"`
}

// InactivityTimeout returns the configured inactivity window. Values too
// large for a time.Duration saturate instead of wrapping negative.
func (r *Run) InactivityTimeout() time.Duration {
	if r.InactivityTimeoutMs > math.MaxInt64/int64(time.Millisecond) {
		return math.MaxInt64
	}

	return time.Duration(r.InactivityTimeoutMs) * time.Millisecond
}

// Group is a named partition of a run's specs executed with shared
// parameters.
type Group struct {
	ID             uint                        `gorm:"primaryKey" json:"-"`
	RunID          string                      `gorm:"uniqueIndex:idx_group_run_group;not null;size:64" json:"runId"`
	GroupID        string                      `gorm:"uniqueIndex:idx_group_run_group;not null" json:"groupId"`
	Browser        string                      `json:"browser,omitempty"`
	Platform       string                      `json:"platform,omitempty"`
	Tags           datatypes.JSONSlice[string] `json:"tags,omitempty"`
	State          State                       `gorm:"not null" json:"state"`
	StateChangedAt time.Time                   `json:"stateChangedAt"`
	Progress       results.Progress            `gorm:"embedded" json:"progress"`
	LastActivityAt time.Time                   `json:"lastActivityAt"`
	CreatedAt      time.Time                   `json:"createdAt"`
}

// Successful reports whether the group completed without failing tests.
func (g *Group) Successful() bool {
	return g.State == StateCompleted && g.Progress.Successful()
}

// TableName avoids the GROUPS keyword.
func (Group) TableName() string {
	return "run_groups"
}

// Spec is one schedulable spec file of a group.
type Spec struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	RunID          string     `gorm:"uniqueIndex:idx_spec_key;index:idx_spec_group;not null;size:64" json:"runId"`
	GroupID        string     `gorm:"uniqueIndex:idx_spec_key;index:idx_spec_group;not null" json:"groupId"`
	Spec           string     `gorm:"uniqueIndex:idx_spec_key;not null" json:"spec"`
	Position       int        `gorm:"not null" json:"position"`
	ClaimState     ClaimState `gorm:"not null" json:"claimState"`
	InstanceID     string     `json:"instanceId,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	ClaimCount     int        `gorm:"not null;default:0" json:"claimCount"`
	ClaimVersion   int64      `gorm:"not null;default:0" json:"-"`

	// Contribution of the spec to the group and run counters.
	ContribInstanceID string             `json:"-"`
	Contrib           results.TestCounts `gorm:"embedded;embeddedPrefix:contrib_" json:"-"`
	ContribVersion    int64              `gorm:"not null;default:0" json:"-"`
}

// Instance is one claim of a spec by a worker and everything that worker
// reported for it.
type Instance struct {
	ID          uint                              `gorm:"primaryKey" json:"-"`
	InstanceID  string                            `gorm:"uniqueIndex;not null;size:64" json:"instanceId"`
	RunID       string                            `gorm:"index:idx_instance_group;not null;size:64" json:"runId"`
	GroupID     string                            `gorm:"index:idx_instance_group;not null" json:"groupId"`
	SpecID      uint                              `gorm:"index;not null" json:"-"`
	Spec        string                            `gorm:"not null" json:"spec"`
	WorkerID    string                            `json:"workerId,omitempty"`
	ClaimedAt   time.Time                         `json:"claimedAt"`
	Tests       datatypes.JSONSlice[results.Test] `json:"tests"`
	Stats       results.Stats                     `gorm:"embedded;embeddedPrefix:stats_" json:"stats"`
	Reported    results.ReportedStats             `gorm:"embedded;embeddedPrefix:reported_" json:"-"`
	Error       string                            `json:"error,omitempty"`
	Finalized   bool                              `gorm:"not null;default:false" json:"finalized"`
	FinalizedAt *time.Time                        `json:"finalizedAt,omitempty"`
	Version     int64                             `gorm:"not null;default:0" json:"-"`
	UpdatedAt   time.Time                         `json:"updatedAt"`
}

// Artifact kinds.
const (
	ArtifactScreenshot = "screenshot"
	ArtifactVideo      = "video"
)

// Artifact is an uploaded screenshot or video of an instance.
type Artifact struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	InstanceID string    `gorm:"uniqueIndex:idx_artifact_key;not null;size:64" json:"instanceId"`
	ArtifactID string    `gorm:"uniqueIndex:idx_artifact_key;not null" json:"artifactId"`
	Kind       string    `gorm:"not null" json:"kind"`
	URL        string    `gorm:"not null" json:"url"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// GroupSpecs is a group to register together with its ordered spec list.
type GroupSpecs struct {
	Group Group
	Specs []string
}
