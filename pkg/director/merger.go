package director

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/metrics"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

// ReportInstanceTests records the tests a worker discovered before running
// them. Discovered tests are queued and never downgrade a settled result.
func (d *director) ReportInstanceTests(
	ctx context.Context, instanceID string, tests []results.Test,
) (*InstanceView, error) {
	queued := make([]results.Test, 0, len(tests))

	for i, t := range tests {
		if t.TestID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("tests[%d].testId", i), Reason: "is required"}
		}

		t.State = results.TestStateQueued
		queued = append(queued, t)
	}

	return d.mergeInstance(ctx, instanceID, &results.Update{Tests: queued})
}

// MergeInstanceResults merges a partial or final result report into an
// instance and updates the counters of its group and run.
func (d *director) MergeInstanceResults(
	ctx context.Context, instanceID string, update *results.Update,
) (*InstanceView, error) {
	if update == nil {
		return nil, &ValidationError{Reason: "empty update"}
	}

	for i, t := range update.Tests {
		if t.TestID == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("tests[%d].testId", i), Reason: "is required"}
		}

		if !t.State.Valid() {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("tests[%d].state", i),
				Reason: fmt.Sprintf("unknown state %q", t.State),
			}
		}
	}

	return d.mergeInstance(ctx, instanceID, update)
}

func (d *director) mergeInstance(
	ctx context.Context, instanceID string, update *results.Update,
) (*InstanceView, error) {
	inst, err := d.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, storageErr("read instance", "instance", instanceID, err)
	}

	// Settle the lifecycle first so a report that arrives after the run
	// expired cannot revive it.
	run, err := d.store.GetRun(ctx, inst.RunID)
	if err != nil {
		return nil, storageErr("read run", "run", inst.RunID, err)
	}

	if _, _, err = d.evaluate(ctx, run); err != nil {
		return nil, err
	}

	log := d.log.WithFields(logrus.Fields{
		"run_id":      inst.RunID,
		"group_id":    inst.GroupID,
		"instance_id": instanceID,
	})

	retries := max(d.cfg.Scheduler.MergeRetries, 1)

	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			if inst, err = d.store.GetInstance(ctx, instanceID); err != nil {
				return nil, storageErr("read instance", "instance", instanceID, err)
			}
		}

		now := d.now()
		expected := inst.Version
		first := update.Complete && !inst.Finalized

		inst.Tests = results.Merge(inst.Tests, update.Tests)
		inst.Reported = results.MergeReported(inst.Reported, update.Stats)
		inst.Stats = results.Compute(inst.Tests, inst.Reported)

		if update.Error != "" {
			inst.Error = update.Error
		}

		if first {
			inst.Finalized = true
			inst.FinalizedAt = &now
		}

		res, err := d.store.CommitInstance(ctx, store.CommitParams{
			Instance:          inst,
			ExpectedVersion:   expected,
			FirstFinalization: first,
			Now:               now,
		})
		if errors.Is(err, store.ErrConflict) {
			metrics.MergeConflicts.Inc()
			log.WithField("attempt", attempt).Debug("Concurrent merge, retrying")

			continue
		}

		if err != nil {
			metrics.Merges.WithLabelValues("error").Inc()

			return nil, &StorageError{Op: "merge results", Err: err}
		}

		switch {
		case res.Frozen:
			metrics.Merges.WithLabelValues("frozen").Inc()
		case res.Counted:
			metrics.Merges.WithLabelValues("counted").Inc()
		default:
			metrics.Merges.WithLabelValues("uncounted").Inc()
		}

		log.WithFields(logrus.Fields{
			"tests":     len(inst.Tests),
			"counted":   res.Counted,
			"frozen":    res.Frozen,
			"finalized": inst.Finalized,
		}).Debug("Merged instance results")

		if first {
			d.finish(ctx, log, inst, res)
		}

		return d.GetInstance(ctx, instanceID)
	}

	metrics.Merges.WithLabelValues("error").Inc()

	return nil, &StorageError{
		Op:  "merge results",
		Err: fmt.Errorf("%d attempts: %w", retries, store.ErrConflict),
	}
}

// finish emits INSTANCE_FINISH for a freshly finalized instance and
// completes its group and run when it was the last outstanding spec.
func (d *director) finish(
	ctx context.Context, log logrus.FieldLogger, inst *store.Instance, res *store.CommitResult,
) {
	log.WithFields(logrus.Fields{
		"spec":           inst.Spec,
		"spec_completed": res.SpecCompleted,
		"failures":       inst.Stats.Failures,
	}).Info("Instance finalized")

	run, err := d.store.GetRun(ctx, inst.RunID)
	if err != nil {
		log.WithError(err).Error("Failed to read run after finalization")

		return
	}

	group, err := d.store.GetGroup(ctx, inst.RunID, inst.GroupID)
	if err != nil {
		log.WithError(err).Error("Failed to read group after finalization")

		return
	}

	d.emit(hooks.EventInstanceFinish, run, group, inst)

	if _, _, err := d.evaluate(ctx, run); err != nil {
		log.WithError(err).Error("Failed to evaluate run lifecycle")
	}
}

// AttachArtifactURL records the URL of an uploaded screenshot or video.
func (d *director) AttachArtifactURL(
	ctx context.Context, instanceID, kind, artifactID, url string,
) error {
	if kind != store.ArtifactScreenshot && kind != store.ArtifactVideo {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported artifact kind %q", kind)}
	}

	if url == "" {
		return &ValidationError{Field: "url", Reason: "is required"}
	}

	if artifactID == "" {
		if kind != store.ArtifactVideo {
			return &ValidationError{Field: "artifactId", Reason: "is required"}
		}

		artifactID = store.ArtifactVideo
	}

	if _, err := d.store.GetInstance(ctx, instanceID); err != nil {
		return storageErr("read instance", "instance", instanceID, err)
	}

	err := d.store.UpsertArtifact(ctx, &store.Artifact{
		InstanceID: instanceID,
		ArtifactID: artifactID,
		Kind:       kind,
		URL:        url,
	})
	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"instance_id": instanceID,
			"artifact_id": artifactID,
		}).Error("Failed to record artifact")

		return &ArtifactUpdateFailedError{InstanceID: instanceID, ArtifactID: artifactID, Err: err}
	}

	return nil
}
