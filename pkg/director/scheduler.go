package director

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/metrics"
	"github.com/ethpandaops/director/pkg/store"
)

// WorkerContext identifies the worker asking for work.
type WorkerContext struct {
	WorkerID string `json:"workerId,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// Claim is a spec handed out to a worker.
type Claim struct {
	RunID      string    `json:"runId"`
	GroupID    string    `json:"groupId"`
	Spec       string    `json:"spec"`
	InstanceID string    `json:"instanceId"`
	ClaimedAt  time.Time `json:"claimedAt"`
	ClaimCount int       `json:"claimCount"`
	// Reclaimed is set when the spec was taken over from a stale claim.
	Reclaimed bool `json:"reclaimed"`
}

func (d *director) ClaimNextSpec(
	ctx context.Context, runID, groupID string, worker WorkerContext,
) (*Claim, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storageErr("read run", "run", runID, err)
	}

	run, _, err = d.evaluate(ctx, run)
	if err != nil {
		metrics.Claims.WithLabelValues("error").Inc()

		return nil, err
	}

	group, err := d.store.GetGroup(ctx, runID, groupID)
	if err != nil {
		return nil, storageErr("read group", "group", groupID, err)
	}

	if run.State.Terminal() || group.State.Terminal() {
		metrics.Claims.WithLabelValues("exhausted").Inc()

		return nil, ErrNoSpecsAvailable
	}

	log := d.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"group_id":  groupID,
		"worker_id": worker.WorkerID,
	})

	retries := max(d.cfg.Scheduler.ClaimRetries, 1)

	for attempt := 1; attempt <= retries; attempt++ {
		now := d.now()

		spec, err := d.store.NextClaimCandidate(ctx, runID, groupID, now.Add(-run.InactivityTimeout()))
		if errors.Is(err, store.ErrNotFound) {
			metrics.Claims.WithLabelValues("exhausted").Inc()

			return nil, ErrNoSpecsAvailable
		}

		if err != nil {
			metrics.Claims.WithLabelValues("error").Inc()

			return nil, &StorageError{Op: "select spec", Err: err}
		}

		inst := &store.Instance{
			InstanceID: uuid.NewString(),
			WorkerID:   worker.WorkerID,
		}

		err = d.store.ClaimSpec(ctx, store.ClaimParams{Spec: spec, Instance: inst, Now: now})

		switch {
		case err == nil:
		case errors.Is(err, store.ErrConflict):
			metrics.ClaimConflicts.Inc()
			log.WithFields(logrus.Fields{
				"spec":    spec.Spec,
				"attempt": attempt,
			}).Debug("Lost claim race, retrying")

			continue
		case errors.Is(err, store.ErrGroupClosed):
			metrics.Claims.WithLabelValues("exhausted").Inc()

			return nil, ErrNoSpecsAvailable
		default:
			metrics.Claims.WithLabelValues("error").Inc()

			return nil, &StorageError{Op: "claim spec", Err: err}
		}

		reclaimed := spec.ClaimState == store.ClaimClaimed

		outcome := "claimed"
		if reclaimed {
			outcome = "reclaimed"

			log.WithFields(logrus.Fields{
				"spec":          spec.Spec,
				"stale_holder":  spec.InstanceID,
				"last_activity": spec.LastActivityAt,
			}).Warn("Reclaimed stale spec")
		}

		metrics.Claims.WithLabelValues(outcome).Inc()

		log.WithFields(logrus.Fields{
			"spec":        spec.Spec,
			"instance_id": inst.InstanceID,
		}).Info("Spec claimed")

		if fresh, err := d.store.GetGroup(ctx, runID, groupID); err == nil {
			group = fresh
		}

		d.emit(hooks.EventInstanceStart, run, group, inst)

		return &Claim{
			RunID:      runID,
			GroupID:    groupID,
			Spec:       spec.Spec,
			InstanceID: inst.InstanceID,
			ClaimedAt:  now,
			ClaimCount: spec.ClaimCount + 1,
			Reclaimed:  reclaimed,
		}, nil
	}

	metrics.Claims.WithLabelValues("conflict").Inc()

	return nil, &ClaimConflictError{RunID: runID, GroupID: groupID, Attempts: retries}
}
