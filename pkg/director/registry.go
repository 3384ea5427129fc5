package director

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/metrics"
	"github.com/ethpandaops/director/pkg/store"
)

// DefaultGroupID is used when a group has neither parameters nor a CI
// build id to derive its id from.
const DefaultGroupID = "default"

// RunRequest is a run submission. Without Groups a single group holding
// every spec is derived from GroupID, Browser, Platform and Tags.
type RunRequest struct {
	ProjectID           string              `json:"projectId"`
	CIBuildID           string              `json:"ciBuildId,omitempty"`
	Specs               []string            `json:"specs"`
	Groups              []GroupRequest      `json:"groups,omitempty"`
	GroupID             string              `json:"groupId,omitempty"`
	Browser             string              `json:"browser,omitempty"`
	Platform            string              `json:"platform,omitempty"`
	Tags                []string            `json:"tags,omitempty"`
	Commit              store.Commit        `json:"commit"`
	InactivityTimeoutMs *int64              `json:"inactivityTimeoutMs,omitempty"`
	Hooks               []config.HookConfig `json:"hooks,omitempty"`
}

// GroupRequest is an explicit group of a submission. Its specs must be
// listed in the run's spec list.
type GroupRequest struct {
	GroupID  string   `json:"groupId,omitempty"`
	Browser  string   `json:"browser,omitempty"`
	Platform string   `json:"platform,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Specs    []string `json:"specs"`
}

// CreateRunResponse is the result of CreateRun.
type CreateRunResponse struct {
	Run         *RunView `json:"run"`
	Created     bool     `json:"created"`
	AddedGroups []string `json:"addedGroups"`
}

// RunID derives the id of a run. Submissions for the same CI build of a
// project share one run; without a CI build id every submission is new.
func RunID(projectID, ciBuildID string) string {
	if ciBuildID == "" {
		return uuid.NewString()
	}

	sum := sha256.Sum256([]byte(projectID + "/" + ciBuildID))

	return hex.EncodeToString(sum[:])[:32]
}

// GroupKey derives a group id from its execution parameters.
func GroupKey(ciBuildID, browser, platform string, tags []string) string {
	parts := make([]string, 0, 2+len(tags))

	for _, p := range []string{browser, platform} {
		if p != "" {
			parts = append(parts, p)
		}
	}

	sorted := slices.Clone(tags)
	slices.Sort(sorted)
	parts = append(parts, sorted...)

	if len(parts) == 0 {
		if ciBuildID != "" {
			return ciBuildID
		}

		return DefaultGroupID
	}

	return strings.Join(parts, "-")
}

func (d *director) CreateRun(
	ctx context.Context, req *RunRequest,
) (*CreateRunResponse, error) {
	groups, err := d.validateRun(req)
	if err != nil {
		return nil, err
	}

	timeout := d.cfg.Scheduler.InactivityTimeout()
	if req.InactivityTimeoutMs != nil {
		timeout = time.Duration(*req.InactivityTimeoutMs) * time.Millisecond
	}

	runHooks := slices.Clone(d.cfg.Hooks.ForProject(req.ProjectID))
	for _, h := range req.Hooks {
		runHooks = slices.DeleteFunc(runHooks, func(c config.HookConfig) bool {
			return c.ID == h.ID
		})
		runHooks = append(runHooks, h)
	}

	run := &store.Run{
		RunID:               RunID(req.ProjectID, req.CIBuildID),
		ProjectID:           req.ProjectID,
		CIBuildID:           req.CIBuildID,
		Commit:              req.Commit,
		InactivityTimeoutMs: timeout.Milliseconds(),
		Hooks:               runHooks,
		CreatedAt:           d.now(),
	}

	res, err := d.store.CreateRun(ctx, run, groups)
	if errors.Is(err, store.ErrConflict) {
		// The run settled concurrently. The retry sees it terminal.
		res, err = d.store.CreateRun(ctx, run, groups)
	}

	if err != nil {
		return nil, &StorageError{Op: "create run", Err: err}
	}

	log := d.log.WithFields(logrus.Fields{
		"run_id":  res.Run.RunID,
		"project": res.Run.ProjectID,
		"groups":  res.AddedGroups,
	})

	if res.Created {
		metrics.RunsSubmitted.WithLabelValues("created").Inc()
		log.Info("Run created")
	} else {
		metrics.RunsSubmitted.WithLabelValues("joined").Inc()
		log.WithField("state", res.Run.State).Info("Joined existing run")
	}

	for _, groupID := range res.AddedGroups {
		group, err := d.store.GetGroup(ctx, res.Run.RunID, groupID)
		if err != nil {
			return nil, storageErr("read group", "group", groupID, err)
		}

		d.emit(hooks.EventRunStart, res.Run, group, nil)
	}

	view, err := d.GetRun(ctx, res.Run.RunID)
	if err != nil {
		return nil, err
	}

	return &CreateRunResponse{
		Run:         view,
		Created:     res.Created,
		AddedGroups: res.AddedGroups,
	}, nil
}

// validateRun checks a submission and resolves its groups.
func (d *director) validateRun(req *RunRequest) ([]store.GroupSpecs, error) {
	if req.ProjectID == "" {
		return nil, &ValidationError{Field: "projectId", Reason: "is required"}
	}

	if len(req.Specs) == 0 {
		return nil, &ValidationError{Field: "specs", Reason: "must not be empty"}
	}

	known := make(map[string]struct{}, len(req.Specs))
	for _, spec := range req.Specs {
		if spec == "" {
			return nil, &ValidationError{Field: "specs", Reason: "contains an empty spec"}
		}

		if _, ok := known[spec]; ok {
			return nil, &ValidationError{Field: "specs", Reason: fmt.Sprintf("duplicate spec %q", spec)}
		}

		known[spec] = struct{}{}
	}

	if ms := req.InactivityTimeoutMs; ms != nil {
		if *ms <= 0 {
			return nil, &ValidationError{Field: "inactivityTimeoutMs", Reason: "must be positive"}
		}

		if *ms > config.MaxInactivityTimeout.Milliseconds() {
			return nil, &ValidationError{
				Field:  "inactivityTimeoutMs",
				Reason: fmt.Sprintf("must not exceed %d", config.MaxInactivityTimeout.Milliseconds()),
			}
		}
	}

	hookIDs := make(map[string]struct{}, len(req.Hooks))
	for i, h := range req.Hooks {
		if h.ID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("hooks[%d].hookId", i), Reason: "is required"}
		}

		if _, ok := hookIDs[h.ID]; ok {
			return nil, &ValidationError{Field: "hooks", Reason: fmt.Sprintf("duplicate hook id %q", h.ID)}
		}

		hookIDs[h.ID] = struct{}{}

		if !config.ValidHookKind(h.Kind) {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("hooks[%d].kind", i),
				Reason: fmt.Sprintf("unsupported kind %q", h.Kind),
			}
		}

		if h.URL == "" && h.Kind != config.HookKindGitHub {
			return nil, &ValidationError{Field: fmt.Sprintf("hooks[%d].url", i), Reason: "is required"}
		}
	}

	if len(req.Groups) == 0 {
		groupID := req.GroupID
		if groupID == "" {
			groupID = GroupKey(req.CIBuildID, req.Browser, req.Platform, req.Tags)
		}

		return []store.GroupSpecs{{
			Group: store.Group{
				GroupID:  groupID,
				Browser:  req.Browser,
				Platform: req.Platform,
				Tags:     req.Tags,
			},
			Specs: slices.Clone(req.Specs),
		}}, nil
	}

	groups := make([]store.GroupSpecs, 0, len(req.Groups))
	groupIDs := make(map[string]struct{}, len(req.Groups))

	for i, g := range req.Groups {
		field := fmt.Sprintf("groups[%d]", i)

		groupID := g.GroupID
		if groupID == "" {
			groupID = GroupKey(req.CIBuildID, g.Browser, g.Platform, g.Tags)
		}

		if _, ok := groupIDs[groupID]; ok {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("duplicate group %q", groupID)}
		}

		groupIDs[groupID] = struct{}{}

		if len(g.Specs) == 0 {
			return nil, &ValidationError{Field: field + ".specs", Reason: "must not be empty"}
		}

		seen := make(map[string]struct{}, len(g.Specs))
		for _, spec := range g.Specs {
			if _, ok := known[spec]; !ok {
				return nil, &ValidationError{
					Field:  field + ".specs",
					Reason: fmt.Sprintf("references unknown spec %q", spec),
				}
			}

			if _, ok := seen[spec]; ok {
				return nil, &ValidationError{
					Field:  field + ".specs",
					Reason: fmt.Sprintf("duplicate spec %q", spec),
				}
			}

			seen[spec] = struct{}{}
		}

		groups = append(groups, store.GroupSpecs{
			Group: store.Group{
				GroupID:  groupID,
				Browser:  g.Browser,
				Platform: g.Platform,
				Tags:     g.Tags,
			},
			Specs: slices.Clone(g.Specs),
		})
	}

	return groups, nil
}

func (d *director) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storageErr("read run", "run", runID, err)
	}

	run, groups, err := d.evaluate(ctx, run)
	if err != nil {
		return nil, err
	}

	view := d.runView(run, groups)

	return &view, nil
}

func (d *director) GetGroup(
	ctx context.Context, runID, groupID string,
) (*GroupView, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storageErr("read run", "run", runID, err)
	}

	if _, _, err := d.evaluate(ctx, run); err != nil {
		return nil, err
	}

	group, err := d.store.GetGroup(ctx, runID, groupID)
	if err != nil {
		return nil, storageErr("read group", "group", groupID, err)
	}

	specs, err := d.store.ListSpecs(ctx, runID, groupID)
	if err != nil {
		return nil, storageErr("list specs", "group", groupID, err)
	}

	view := groupView(group)
	view.Specs = make([]SpecView, 0, len(specs))

	for _, s := range specs {
		view.Specs = append(view.Specs, SpecView{
			Spec:       s.Spec,
			ClaimState: s.ClaimState,
			InstanceID: s.InstanceID,
			ClaimedAt:  s.ClaimedAt,
			ClaimCount: s.ClaimCount,
		})
	}

	return &view, nil
}

// ListRuns returns the most recent runs without their groups.
func (d *director) ListRuns(
	ctx context.Context, projectID string, limit int,
) ([]RunView, error) {
	runs, err := d.store.ListRuns(ctx, projectID, limit)
	if err != nil {
		return nil, &StorageError{Op: "list runs", Err: err}
	}

	now := d.now()
	views := make([]RunView, 0, len(runs))

	for i := range runs {
		run := &runs[i]

		var groups []store.Group

		// Only runs whose state is due to change pay for an evaluation.
		if !run.State.Terminal() &&
			EvaluateState(run.Progress, run.State, run.LastActivityAt, run.InactivityTimeout(), now) != run.State {
			if run, groups, err = d.evaluate(ctx, run); err != nil {
				return nil, err
			}
		}

		// Only completed runs can be successful, and that depends on the groups.
		if run.State == store.StateCompleted && groups == nil {
			if groups, err = d.store.ListGroups(ctx, run.RunID); err != nil {
				return nil, &StorageError{Op: "list groups", Err: err}
			}
		}

		view := d.runView(run, groups)
		view.Groups = nil

		views = append(views, view)
	}

	return views, nil
}

func (d *director) ListInstances(
	ctx context.Context, runID, groupID string,
) ([]InstanceView, error) {
	if _, err := d.store.GetGroup(ctx, runID, groupID); err != nil {
		return nil, storageErr("read group", "group", groupID, err)
	}

	instances, err := d.store.ListInstances(ctx, runID, groupID)
	if err != nil {
		return nil, &StorageError{Op: "list instances", Err: err}
	}

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceID)
	}

	artifacts, err := d.store.ListArtifacts(ctx, ids...)
	if err != nil {
		return nil, &StorageError{Op: "list artifacts", Err: err}
	}

	byInstance := make(map[string][]store.Artifact, len(instances))
	for _, a := range artifacts {
		byInstance[a.InstanceID] = append(byInstance[a.InstanceID], a)
	}

	views := make([]InstanceView, 0, len(instances))
	for i := range instances {
		views = append(views, instanceView(&instances[i], byInstance[instances[i].InstanceID]))
	}

	return views, nil
}

func (d *director) GetInstance(
	ctx context.Context, instanceID string,
) (*InstanceView, error) {
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storageErr("read instance", "instance", instanceID, err)
	}

	artifacts, err := d.store.ListArtifacts(ctx, instanceID)
	if err != nil {
		return nil, &StorageError{Op: "list artifacts", Err: err}
	}

	view := instanceView(inst, artifacts)

	return &view, nil
}
