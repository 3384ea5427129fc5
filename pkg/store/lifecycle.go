package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RunTransition describes the outcome of TransitionRun.
type RunTransition struct {
	// Transitioned is set for the single caller that moved the run.
	Transitioned bool
	// Groups lists the running groups that moved together with the run.
	Groups []string
}

// completionGuard restricts a transition to completed to rows whose
// counters still say every spec was claimed and finalized, so a group that
// joined after the caller read the progress keeps the run open.
func completionGuard(db *gorm.DB, to State) *gorm.DB {
	if to != StateCompleted {
		return db
	}

	return db.Where("claimed_specs_count = overall_specs_count" +
		" AND completed_specs_count = overall_specs_count AND overall_specs_count > 0")
}

// TransitionGroup moves a running group to state. It reports false when the
// group was not running anymore, in which case another caller already did
// the transition.
func (s *store) TransitionGroup(
	ctx context.Context, runID, groupID string, to State, at time.Time,
) (bool, error) {
	res := completionGuard(s.db.WithContext(ctx).
		Model(&Group{}).
		Where("run_id = ? AND group_id = ? AND state = ?", runID, groupID, StateRunning), to).
		Updates(map[string]any{
			"state":            to,
			"state_changed_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("transitioning group: %w", res.Error)
	}

	return res.RowsAffected == 1, nil
}

// TransitionRun moves a running run to state together with all of its
// groups that are still running.
func (s *store) TransitionRun(
	ctx context.Context, runID string, to State, at time.Time,
) (*RunTransition, error) {
	result := &RunTransition{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := completionGuard(tx.Model(&Run{}).
			Where("run_id = ? AND state = ?", runID, StateRunning), to).
			Updates(map[string]any{
				"state":            to,
				"state_changed_at": at,
			})
		if res.Error != nil {
			return fmt.Errorf("updating run: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return nil
		}

		result.Transitioned = true

		if err := tx.Model(&Group{}).
			Where("run_id = ? AND state = ?", runID, StateRunning).
			Order("id ASC").
			Pluck("group_id", &result.Groups).Error; err != nil {
			return fmt.Errorf("listing running groups: %w", err)
		}

		if len(result.Groups) == 0 {
			return nil
		}

		if err := tx.Model(&Group{}).
			Where("run_id = ? AND state = ?", runID, StateRunning).
			Updates(map[string]any{
				"state":            to,
				"state_changed_at": at,
			}).Error; err != nil {
			return fmt.Errorf("updating groups: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transitioning run %s: %w", runID, err)
	}

	return result, nil
}
