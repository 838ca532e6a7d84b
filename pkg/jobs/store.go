package jobs

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobSpecStore provides database operations for job specs.
type JobSpecStore struct {
	db *gorm.DB
}

// NewJobSpecStore creates a new JobSpecStore.
func NewJobSpecStore(db *gorm.DB) *JobSpecStore {
	return &JobSpecStore{db: db}
}

// AutoMigrate creates or updates the job_specs table.
func (s *JobSpecStore) AutoMigrate() error {
	return s.db.AutoMigrate(&JobSpec{})
}

// List returns every job spec, enabled or not, ordered by name.
func (s *JobSpecStore) List(ctx context.Context) ([]JobSpec, error) {
	var specs []JobSpec
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("list job specs: %w", err)
	}
	return specs, nil
}

// Get retrieves a job spec by name. Returns nil, nil when it does not exist.
func (s *JobSpecStore) Get(ctx context.Context, name string) (*JobSpec, error) {
	var spec JobSpec
	if err := s.db.WithContext(ctx).First(&spec, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job spec: %w", err)
	}
	return &spec, nil
}

// Upsert inserts spec or replaces its declared fields. The stored
// fingerprint is left alone so the reconciler still sees the change.
func (s *JobSpecStore) Upsert(ctx context.Context, spec *JobSpec) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"description", "enabled", "address", "cron", "target", "updated_at"}),
	}).Create(spec).Error
	if err != nil {
		return fmt.Errorf("upsert job spec %q: %w", spec.Name, err)
	}
	return nil
}

// SaveFingerprint persists the computed fingerprint of a spec.
func (s *JobSpecStore) SaveFingerprint(ctx context.Context, name, fingerprint string) error {
	result := s.db.WithContext(ctx).Model(&JobSpec{}).
		Where("name = ?", name).
		Update("fingerprint", fingerprint)
	if result.Error != nil {
		return fmt.Errorf("save fingerprint for %q: %w", name, result.Error)
	}
	return nil
}

// Delete removes a job spec. The reconciler unschedules it on its next tick.
func (s *JobSpecStore) Delete(ctx context.Context, name string) (bool, error) {
	result := s.db.WithContext(ctx).Where("name = ?", name).Delete(&JobSpec{})
	if result.Error != nil {
		return false, fmt.Errorf("delete job spec %q: %w", name, result.Error)
	}
	return result.RowsAffected > 0, nil
}
