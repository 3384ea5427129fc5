package director

import (
	"time"

	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

// RunView is the query representation of a run.
type RunView struct {
	RunID               string           `json:"runId"`
	ProjectID           string           `json:"projectId"`
	CIBuildID           string           `json:"ciBuildId,omitempty"`
	Commit              store.Commit     `json:"commit"`
	State               store.State      `json:"state"`
	StateChangedAt      time.Time        `json:"stateChangedAt"`
	CreatedAt           time.Time        `json:"createdAt"`
	LastActivityAt      time.Time        `json:"lastActivityAt"`
	InactivityTimeoutMs int64            `json:"inactivityTimeoutMs"`
	DurationMs          int64            `json:"durationMs"`
	Successful          bool             `json:"successful"`
	Progress            results.Progress `json:"progress"`
	NeverRunSpecsCount  int              `json:"neverRunSpecsCount"`
	Groups              []GroupView      `json:"groups,omitempty"`
}

// GroupView is the query representation of a group.
type GroupView struct {
	GroupID            string           `json:"groupId"`
	Browser            string           `json:"browser,omitempty"`
	Platform           string           `json:"platform,omitempty"`
	Tags               []string         `json:"tags,omitempty"`
	State              store.State      `json:"state"`
	StateChangedAt     time.Time        `json:"stateChangedAt"`
	LastActivityAt     time.Time        `json:"lastActivityAt"`
	Successful         bool             `json:"successful"`
	Progress           results.Progress `json:"progress"`
	NeverRunSpecsCount int              `json:"neverRunSpecsCount"`
	Specs              []SpecView       `json:"specs,omitempty"`
}

// SpecView is the scheduling state of one spec.
type SpecView struct {
	Spec       string           `json:"spec"`
	ClaimState store.ClaimState `json:"claimState"`
	InstanceID string           `json:"instanceId,omitempty"`
	ClaimedAt  *time.Time       `json:"claimedAt,omitempty"`
	ClaimCount int              `json:"claimCount"`
}

// InstanceView is an instance together with its artifact URLs.
type InstanceView struct {
	store.Instance

	ScreenshotURLs []ArtifactURL `json:"screenshotUrls"`
	VideoURL       string        `json:"videoUrl,omitempty"`
}

// ArtifactURL is a screenshot reference.
type ArtifactURL struct {
	ArtifactID string `json:"artifactId"`
	URL        string `json:"url"`
}

// runView projects a run. Success is always derived from the groups.
func (d *director) runView(run *store.Run, groups []store.Group) RunView {
	view := RunView{
		RunID:               run.RunID,
		ProjectID:           run.ProjectID,
		CIBuildID:           run.CIBuildID,
		Commit:              run.Commit,
		State:               run.State,
		StateChangedAt:      run.StateChangedAt,
		CreatedAt:           run.CreatedAt,
		LastActivityAt:      run.LastActivityAt,
		InactivityTimeoutMs: run.InactivityTimeoutMs,
		DurationMs: Duration(
			run.CreatedAt, run.State, run.StateChangedAt,
			run.LastActivityAt, run.InactivityTimeout(), d.now(),
		).Milliseconds(),
		Progress:           run.Progress,
		NeverRunSpecsCount: run.Progress.NeverRunSpecsCount(),
	}

	view.Successful = RunSuccessful(run, groups)
	view.Groups = make([]GroupView, 0, len(groups))

	for i := range groups {
		view.Groups = append(view.Groups, groupView(&groups[i]))
	}

	return view
}

func groupView(g *store.Group) GroupView {
	return GroupView{
		GroupID:            g.GroupID,
		Browser:            g.Browser,
		Platform:           g.Platform,
		Tags:               g.Tags,
		State:              g.State,
		StateChangedAt:     g.StateChangedAt,
		LastActivityAt:     g.LastActivityAt,
		Successful:         GroupSuccessful(g),
		Progress:           g.Progress,
		NeverRunSpecsCount: g.Progress.NeverRunSpecsCount(),
	}
}

func instanceView(inst *store.Instance, artifacts []store.Artifact) InstanceView {
	view := InstanceView{
		Instance:       *inst,
		ScreenshotURLs: []ArtifactURL{},
	}

	for _, a := range artifacts {
		switch a.Kind {
		case store.ArtifactVideo:
			view.VideoURL = a.URL
		case store.ArtifactScreenshot:
			view.ScreenshotURLs = append(view.ScreenshotURLs, ArtifactURL{
				ArtifactID: a.ArtifactID,
				URL:        a.URL,
			})
		}
	}

	return view
}
