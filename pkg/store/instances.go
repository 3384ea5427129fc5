package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ethpandaops/director/pkg/results"
)

// CommitParams describes a read-modify-write of an instance.
type CommitParams struct {
	// Instance carries the merged tests, stats, error and finalization.
	Instance *Instance
	// ExpectedVersion is the version the merge was computed from.
	ExpectedVersion int64
	// FirstFinalization is set when this commit finalizes the instance.
	FirstFinalization bool
	Now               time.Time
}

// CommitResult describes what a commit changed besides the instance row.
type CommitResult struct {
	// Counted is set when the instance contributes to the counters after
	// the commit.
	Counted bool
	Delta   results.TestCounts
	// SpecCompleted is set when this commit completed the spec.
	SpecCompleted bool
	// Frozen is set when the group was no longer running, in which case
	// only the instance row was written.
	Frozen bool
}

func (s *store) GetInstance(
	ctx context.Context, instanceID string,
) (*Instance, error) {
	var inst Instance
	if err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		First(&inst).Error; err != nil {
		return nil, fmt.Errorf("getting instance: %w", notFound(err))
	}

	return &inst, nil
}

// ListInstances returns the instances of a group ordered by claim time.
func (s *store) ListInstances(
	ctx context.Context, runID, groupID string,
) ([]Instance, error) {
	var instances []Instance
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND group_id = ?", runID, groupID).
		Order("id ASC").
		Find(&instances).Error; err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	return instances, nil
}

// CommitInstance writes a merged instance and applies its counter
// contribution in one transaction. A spec has exactly one contributing
// instance: a commit moves the counters when the instance already
// contributes or when it finalizes the instance for the first time, which
// makes it the contributor. ErrConflict means a concurrent writer got in
// between and the merge has to be recomputed.
func (s *store) CommitInstance(
	ctx context.Context, params CommitParams,
) (*CommitResult, error) {
	inst := params.Instance
	now := params.Now
	result := &CommitResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Instance{}).
			Where("instance_id = ? AND version = ?", inst.InstanceID, params.ExpectedVersion).
			Updates(map[string]any{
				"tests":                           inst.Tests,
				"stats_suites":                    inst.Stats.Suites,
				"stats_tests":                     inst.Stats.Tests,
				"stats_passes":                    inst.Stats.Passes,
				"stats_failures":                  inst.Stats.Failures,
				"stats_pending":                   inst.Stats.Pending,
				"stats_skipped":                   inst.Stats.Skipped,
				"stats_retries":                   inst.Stats.Retries,
				"stats_wall_clock_duration_ms":    inst.Stats.WallClockDurationMs,
				"reported_suites":                 inst.Reported.Suites,
				"reported_wall_clock_duration_ms": inst.Reported.WallClockDurationMs,
				"error":                           inst.Error,
				"finalized":                       inst.Finalized,
				"finalized_at":                    inst.FinalizedAt,
				"version":                         gorm.Expr("version + 1"),
				"updated_at":                      now,
			})
		if res.Error != nil {
			return fmt.Errorf("updating instance: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrConflict
		}

		var spec Spec
		if err := tx.First(&spec, inst.SpecID).Error; err != nil {
			return fmt.Errorf("reading spec: %w", notFound(err))
		}

		var group Group
		if err := tx.Where("run_id = ? AND group_id = ?", spec.RunID, spec.GroupID).
			First(&group).Error; err != nil {
			return fmt.Errorf("reading group: %w", notFound(err))
		}

		if group.State != StateRunning {
			result.Frozen = true

			return nil
		}

		updates := map[string]any{}

		if spec.ContribInstanceID == inst.InstanceID || params.FirstFinalization {
			counts := inst.Stats.Counts()

			res := tx.Model(&Spec{}).
				Where("id = ? AND contrib_version = ?", spec.ID, spec.ContribVersion).
				Updates(map[string]any{
					"contrib_instance_id": inst.InstanceID,
					"contrib_overall":     counts.Overall,
					"contrib_passes":      counts.Passes,
					"contrib_failures":    counts.Failures,
					"contrib_pending":     counts.Pending,
					"contrib_skipped":     counts.Skipped,
					"contrib_retries":     counts.Retries,
					"contrib_version":     gorm.Expr("contrib_version + 1"),
				})
			if res.Error != nil {
				return fmt.Errorf("updating spec contribution: %w", res.Error)
			}

			if res.RowsAffected == 0 {
				return ErrConflict
			}

			result.Counted = true
			result.Delta = counts.Sub(spec.Contrib)
			updates = counterUpdates(result.Delta)
		}

		if params.FirstFinalization && spec.ClaimState != ClaimCompleted {
			res := tx.Model(&Spec{}).
				Where("id = ? AND claim_state <> ?", spec.ID, ClaimCompleted).
				Update("claim_state", ClaimCompleted)
			if res.Error != nil {
				return fmt.Errorf("completing spec: %w", res.Error)
			}

			if res.RowsAffected == 1 {
				result.SpecCompleted = true
				updates["completed_specs_count"] = gorm.Expr("completed_specs_count + 1")
			}
		}

		if spec.InstanceID == inst.InstanceID {
			if err := tx.Model(&Spec{}).
				Where("id = ?", spec.ID).
				Update("last_activity_at", now).Error; err != nil {
				return fmt.Errorf("refreshing spec activity: %w", err)
			}
		}

		updates["last_activity_at"] = now

		res = tx.Model(&Group{}).
			Where("id = ? AND state = ?", group.ID, StateRunning).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating group counters: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrConflict
		}

		res = tx.Model(&Run{}).
			Where("run_id = ? AND state = ?", spec.RunID, StateRunning).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating run counters: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrConflict
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("committing instance %s: %w", inst.InstanceID, err)
	}

	return result, nil
}

// UpsertArtifact records an artifact URL. Repeated calls with the same
// instance and artifact id overwrite the previous URL.
func (s *store) UpsertArtifact(ctx context.Context, artifact *Artifact) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "artifact_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "url", "updated_at"}),
	}).Create(artifact).Error; err != nil {
		return fmt.Errorf("upserting artifact: %w", err)
	}

	return nil
}

// ListArtifacts returns the artifacts of the given instances.
func (s *store) ListArtifacts(
	ctx context.Context, instanceIDs ...string,
) ([]Artifact, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}

	var artifacts []Artifact
	if err := s.db.WithContext(ctx).
		Where("instance_id IN ?", instanceIDs).
		Order("id ASC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	return artifacts, nil
}
