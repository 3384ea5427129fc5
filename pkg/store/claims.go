package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ethpandaops/director/pkg/results"
)

// ClaimParams describes a claim of a previously selected spec.
type ClaimParams struct {
	// Spec is the snapshot returned by NextClaimCandidate. Its versions are
	// the compare-and-swap tokens of the claim.
	Spec *Spec
	// Instance is the new instance row. RunID, GroupID, SpecID, Spec and
	// ClaimedAt are filled in by ClaimSpec.
	Instance *Instance
	Now      time.Time
}

// NextClaimCandidate returns the spec a claim should target: the first
// unclaimed spec by position, otherwise the claimed spec with the oldest
// claim whose last activity is before staleBefore. ErrNotFound means the
// group has nothing to hand out.
func (s *store) NextClaimCandidate(
	ctx context.Context, runID, groupID string, staleBefore time.Time,
) (*Spec, error) {
	db := s.db.WithContext(ctx)

	var spec Spec

	err := db.Where("run_id = ? AND group_id = ? AND claim_state = ?",
		runID, groupID, ClaimUnclaimed).
		Order("position ASC").
		First(&spec).Error
	if err == nil {
		return &spec, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("selecting unclaimed spec: %w", err)
	}

	err = db.Where("run_id = ? AND group_id = ? AND claim_state = ? AND last_activity_at < ?",
		runID, groupID, ClaimClaimed, staleBefore).
		Order("claimed_at ASC, position ASC").
		First(&spec).Error
	if err != nil {
		return nil, fmt.Errorf("selecting stale spec: %w", notFound(err))
	}

	return &spec, nil
}

// ClaimSpec atomically hands the spec to a new instance. The spec update is
// guarded by its claim and contribution versions, so of two concurrent
// claims on the same snapshot exactly one succeeds and the other gets
// ErrConflict. On reclaim the tests counted for the previous holder are
// withdrawn from the group and run counters.
func (s *store) ClaimSpec(ctx context.Context, params ClaimParams) error {
	spec := params.Spec
	inst := params.Instance
	now := params.Now

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Spec{}).
			Where("id = ? AND claim_version = ? AND contrib_version = ? AND claim_state = ?",
				spec.ID, spec.ClaimVersion, spec.ContribVersion, spec.ClaimState).
			Updates(map[string]any{
				"claim_state":         ClaimClaimed,
				"instance_id":         inst.InstanceID,
				"claimed_at":          now,
				"last_activity_at":    now,
				"claim_count":         gorm.Expr("claim_count + 1"),
				"claim_version":       gorm.Expr("claim_version + 1"),
				"contrib_instance_id": inst.InstanceID,
				"contrib_overall":     0,
				"contrib_passes":      0,
				"contrib_failures":    0,
				"contrib_pending":     0,
				"contrib_skipped":     0,
				"contrib_retries":     0,
				"contrib_version":     gorm.Expr("contrib_version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("updating spec: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrConflict
		}

		inst.RunID = spec.RunID
		inst.GroupID = spec.GroupID
		inst.SpecID = spec.ID
		inst.Spec = spec.Spec
		inst.ClaimedAt = now
		inst.UpdatedAt = now

		if err := tx.Create(inst).Error; err != nil {
			return fmt.Errorf("inserting instance: %w", err)
		}

		updates := counterUpdates(results.TestCounts{}.Sub(spec.Contrib))
		updates["last_activity_at"] = now

		if spec.ClaimState == ClaimUnclaimed {
			updates["claimed_specs_count"] = gorm.Expr("claimed_specs_count + 1")
		}

		res = tx.Model(&Group{}).
			Where("run_id = ? AND group_id = ? AND state = ?",
				spec.RunID, spec.GroupID, StateRunning).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating group counters: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrGroupClosed
		}

		res = tx.Model(&Run{}).
			Where("run_id = ? AND state = ?", spec.RunID, StateRunning).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating run counters: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrGroupClosed
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("claiming spec %s: %w", spec.Spec, err)
	}

	return nil
}

// counterUpdates returns the column increments applying delta to an
// embedded results.Progress.
func counterUpdates(delta results.TestCounts) map[string]any {
	updates := make(map[string]any, 6)

	add := func(column string, v int) {
		if v != 0 {
			updates[column] = gorm.Expr(column+" + ?", v)
		}
	}

	add("tests_overall", delta.Overall)
	add("tests_passes", delta.Passes)
	add("tests_failures", delta.Failures)
	add("tests_pending", delta.Pending)
	add("tests_skipped", delta.Skipped)
	add("tests_retries", delta.Retries)

	return updates
}
