// Package repository persists crawl run history.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/blockedby/tg-crawler/internal/models"
)

// RunsRepository handles crawl_runs table operations.
type RunsRepository struct {
	db *gorm.DB
}

// NewRunsRepository creates a new runs repository.
func NewRunsRepository(db *gorm.DB) *RunsRepository {
	return &RunsRepository{db: db}
}

// Create inserts a new run. A zero ID is replaced with a fresh uuid.
func (r *RunsRepository) Create(ctx context.Context, run *models.CrawlRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// Finish records the terminal state of a run.
func (r *RunsRepository) Finish(ctx context.Context, run *models.CrawlRun) error {
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	err := r.db.WithContext(ctx).Model(&models.CrawlRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]any{
			"status":       run.Status,
			"new_entities": run.NewEntities,
			"new_members":  run.NewMembers,
			"error":        run.Error,
			"finished_at":  run.FinishedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetByID returns a run by id, or nil when it does not exist.
func (r *RunsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.CrawlRun, error) {
	var run models.CrawlRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run by id: %w", err)
	}
	return &run, nil
}

// List returns the most recent runs first.
func (r *RunsRepository) List(ctx context.Context, limit int) ([]models.CrawlRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var runs []models.CrawlRun
	err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// MarkInterrupted fails runs left in the running state by a previous process.
func (r *RunsRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.CrawlRun{}).
		Where("status = ?", models.RunRunning).
		Updates(map[string]any{"status": models.RunFailed, "error": "interrupted"})
	if res.Error != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
