package director

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/hooks"
	"github.com/ethpandaops/director/pkg/metrics"
	"github.com/ethpandaops/director/pkg/results"
	"github.com/ethpandaops/director/pkg/store"
)

// EvaluateState computes the state a run or group should be in. Terminal
// states never change. A zero timeout disables the inactivity check.
func EvaluateState(
	progress results.Progress,
	recorded store.State,
	lastActivity time.Time,
	timeout time.Duration,
	now time.Time,
) store.State {
	if recorded.Terminal() {
		return recorded
	}

	if progress.AllSpecsCompleted() {
		return store.StateCompleted
	}

	if timeout > 0 && now.Sub(lastActivity) > timeout {
		return store.StateTimedOut
	}

	return store.StateRunning
}

// GroupSuccessful reports whether a group completed without failing tests.
// Timed out groups are never successful.
func GroupSuccessful(group *store.Group) bool {
	return group.Successful()
}

// RunSuccessful reports whether a run completed and every one of its groups
// is successful.
func RunSuccessful(run *store.Run, groups []store.Group) bool {
	if run.State != store.StateCompleted || len(groups) == 0 {
		return false
	}

	for i := range groups {
		if !GroupSuccessful(&groups[i]) {
			return false
		}
	}

	return true
}

// Duration is the wall time of a run. Timed out runs end when their last
// activity expired, not when the timeout was noticed.
func Duration(
	createdAt time.Time,
	state store.State,
	stateChangedAt, lastActivity time.Time,
	timeout time.Duration,
	now time.Time,
) time.Duration {
	end := now

	switch state {
	case store.StateCompleted:
		if stateChangedAt.Before(end) {
			end = stateChangedAt
		}
	case store.StateTimedOut:
		end = stateChangedAt
		if expired := lastActivity.Add(timeout); expired.Before(end) {
			end = expired
		}
	}

	if end.Before(createdAt) {
		return 0
	}

	return end.Sub(createdAt)
}

func (d *director) EvaluateRun(ctx context.Context, runID string) (store.State, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return "", storageErr("read run", "run", runID, err)
	}

	run, _, err = d.evaluate(ctx, run)
	if err != nil {
		return "", err
	}

	return run.State, nil
}

// evaluate applies the lifecycle rules to a run and its groups and emits
// the events of every transition it performed. It returns the fresh run
// and groups. Transitions are conditional, so concurrent evaluations
// of the same run emit each event once.
func (d *director) evaluate(
	ctx context.Context, run *store.Run,
) (*store.Run, []store.Group, error) {
	groups, err := d.store.ListGroups(ctx, run.RunID)
	if err != nil {
		return nil, nil, &StorageError{Op: "list groups", Err: err}
	}

	if run.State.Terminal() {
		return run, groups, nil
	}

	now := d.now()
	log := d.log.WithField("run_id", run.RunID)

	target := EvaluateState(run.Progress, run.State, run.LastActivityAt, run.InactivityTimeout(), now)
	changed := false

	if target == store.StateTimedOut {
		tr, err := d.store.TransitionRun(ctx, run.RunID, store.StateTimedOut, now)
		if err != nil {
			return nil, nil, &StorageError{Op: "time out run", Err: err}
		}

		if tr.Transitioned {
			metrics.Transitions.WithLabelValues("run", string(store.StateTimedOut)).Inc()
			log.WithFields(logrus.Fields{
				"last_activity": run.LastActivityAt,
				"groups":        tr.Groups,
			}).Warn("Run timed out")

			d.emitGroups(hooks.EventRunTimeout, run, groups, tr.Groups, store.StateTimedOut, now)
		}

		return d.reload(ctx, run.RunID)
	}

	for i := range groups {
		g := &groups[i]

		to := EvaluateState(g.Progress, g.State, g.LastActivityAt, run.InactivityTimeout(), now)
		if g.State.Terminal() || to == store.StateRunning {
			continue
		}

		ok, err := d.store.TransitionGroup(ctx, run.RunID, g.GroupID, to, now)
		if err != nil {
			return nil, nil, &StorageError{Op: "transition group", Err: err}
		}

		changed = true

		if !ok {
			continue
		}

		g.State = to
		g.StateChangedAt = now

		metrics.Transitions.WithLabelValues("group", string(to)).Inc()

		if to == store.StateTimedOut {
			log.WithFields(logrus.Fields{
				"group_id":      g.GroupID,
				"last_activity": g.LastActivityAt,
			}).Warn("Group timed out")

			d.emit(hooks.EventRunTimeout, run, g, nil)

			continue
		}

		log.WithField("group_id", g.GroupID).Info("Group completed")

		d.emit(hooks.EventRunFinish, run, g, nil)
	}

	if target == store.StateRunning && allTerminal(groups) {
		// Every group settled but some timed out, so the run can never complete.
		tr, err := d.store.TransitionRun(ctx, run.RunID, store.StateTimedOut, now)
		if err != nil {
			return nil, nil, &StorageError{Op: "time out run", Err: err}
		}

		changed = true

		if tr.Transitioned {
			metrics.Transitions.WithLabelValues("run", string(store.StateTimedOut)).Inc()
			log.Warn("Run timed out after its groups settled")
		}
	}

	if target == store.StateCompleted {
		tr, err := d.store.TransitionRun(ctx, run.RunID, store.StateCompleted, now)
		if err != nil {
			return nil, nil, &StorageError{Op: "complete run", Err: err}
		}

		changed = true

		if tr.Transitioned {
			metrics.Transitions.WithLabelValues("run", string(store.StateCompleted)).Inc()
			log.Info("Run completed")

			d.emitGroups(hooks.EventRunFinish, run, groups, tr.Groups, store.StateCompleted, now)
		}
	}

	if !changed {
		return run, groups, nil
	}

	return d.reload(ctx, run.RunID)
}

func allTerminal(groups []store.Group) bool {
	if len(groups) == 0 {
		return false
	}

	for i := range groups {
		if !groups[i].State.Terminal() {
			return false
		}
	}

	return true
}

// emitGroups emits eventType for the groups that moved along with their run.
func (d *director) emitGroups(
	eventType hooks.EventType,
	run *store.Run,
	groups []store.Group,
	moved []string,
	state store.State,
	at time.Time,
) {
	snapshot := *run
	snapshot.State = state
	snapshot.StateChangedAt = at

	for _, groupID := range moved {
		for i := range groups {
			if groups[i].GroupID != groupID {
				continue
			}

			g := groups[i]
			g.State = state
			g.StateChangedAt = at

			metrics.Transitions.WithLabelValues("group", string(state)).Inc()

			d.emit(eventType, &snapshot, &g, nil)
		}
	}
}

func (d *director) reload(
	ctx context.Context, runID string,
) (*store.Run, []store.Group, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, storageErr("read run", "run", runID, err)
	}

	groups, err := d.store.ListGroups(ctx, runID)
	if err != nil {
		return nil, nil, &StorageError{Op: "list groups", Err: err}
	}

	return run, groups, nil
}
