package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ethpandaops/director/pkg/results"
)

// CreateRunResult describes the outcome of CreateRun.
type CreateRunResult struct {
	Run *Run
	// Created is false when the submission joined an existing run.
	Created bool
	// AddedGroups are the groups registered by this call, in request order.
	AddedGroups []string
}

// CreateRun registers a run and its groups. Submitting a run id that
// already exists joins that run: groups that do not exist yet are added and
// existing groups are left untouched. Terminal runs accept no new groups
// and keep their state.
//
// The times set on run are used for every row written by the call.
func (s *store) CreateRun(
	ctx context.Context, run *Run, groups []GroupSpecs,
) (*CreateRunResult, error) {
	now := run.CreatedAt
	result := &CreateRunResult{}

	run.State = StateRunning
	run.StateChangedAt = now
	run.LastActivityAt = now
	run.Progress = results.Progress{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoNothing: true,
		}).Create(run)
		if res.Error != nil {
			return fmt.Errorf("inserting run: %w", res.Error)
		}

		result.Created = res.RowsAffected == 1

		var current Run
		if err := tx.Where("run_id = ?", run.RunID).First(&current).Error; err != nil {
			return fmt.Errorf("reading run: %w", notFound(err))
		}

		if current.State.Terminal() {
			result.Run = &current

			return nil
		}

		addedSpecs := 0

		for _, gs := range groups {
			group := gs.Group
			group.ID = 0
			group.RunID = current.RunID
			group.State = StateRunning
			group.StateChangedAt = now
			group.LastActivityAt = now
			group.CreatedAt = now
			group.Progress = results.Progress{OverallSpecsCount: len(gs.Specs)}

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "group_id"}},
				DoNothing: true,
			}).Create(&group)
			if res.Error != nil {
				return fmt.Errorf("inserting group %s: %w", group.GroupID, res.Error)
			}

			if res.RowsAffected == 0 {
				continue
			}

			specs := make([]Spec, 0, len(gs.Specs))
			for i, name := range gs.Specs {
				specs = append(specs, Spec{
					RunID:      current.RunID,
					GroupID:    group.GroupID,
					Spec:       name,
					Position:   i,
					ClaimState: ClaimUnclaimed,
				})
			}

			if len(specs) > 0 {
				if err := tx.CreateInBatches(specs, 100).Error; err != nil {
					return fmt.Errorf("inserting specs of group %s: %w", group.GroupID, err)
				}
			}

			result.AddedGroups = append(result.AddedGroups, group.GroupID)
			addedSpecs += len(specs)
		}

		if len(result.AddedGroups) > 0 {
			updates := map[string]any{
				"overall_specs_count": gorm.Expr("overall_specs_count + ?", addedSpecs),
				"last_activity_at":    now,
			}

			res := tx.Model(&Run{}).
				Where("id = ? AND state = ?", current.ID, StateRunning).
				Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("updating run counters: %w", res.Error)
			}

			// The run settled after it was read.
			if res.RowsAffected == 0 {
				return ErrConflict
			}

			if err := tx.First(&current, current.ID).Error; err != nil {
				return fmt.Errorf("re-reading run: %w", err)
			}
		}

		result.Run = &current

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return result, nil
}

func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run: %w", notFound(err))
	}

	return &run, nil
}

// ListRuns returns the most recent runs, optionally filtered by project.
func (s *store) ListRuns(
	ctx context.Context, projectID string, limit int,
) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")

	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListRunningRuns returns running runs without activity since idleSince.
func (s *store) ListRunningRuns(
	ctx context.Context, idleSince time.Time,
) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("state = ? AND last_activity_at < ?", StateRunning, idleSince).
		Order("last_activity_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing running runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetGroup(
	ctx context.Context, runID, groupID string,
) (*Group, error) {
	var group Group
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND group_id = ?", runID, groupID).
		First(&group).Error; err != nil {
		return nil, fmt.Errorf("getting group: %w", notFound(err))
	}

	return &group, nil
}

func (s *store) ListGroups(ctx context.Context, runID string) ([]Group, error) {
	var groups []Group
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	return groups, nil
}

// ListSpecs returns the specs of a group in submission order.
func (s *store) ListSpecs(
	ctx context.Context, runID, groupID string,
) ([]Spec, error) {
	var specs []Spec
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND group_id = ?", runID, groupID).
		Order("position ASC").
		Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("listing specs: %w", err)
	}

	return specs, nil
}
