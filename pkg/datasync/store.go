package datasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSpecNotFound is returned when a sync spec id does not exist.
	ErrSpecNotFound = errors.New("sync spec not found")
	// ErrInvalidDocument is returned for documents that cannot be keyed or
	// ordered.
	ErrInvalidDocument = errors.New("invalid document")
)

// Models lists every table owned by this package, for migrations.
func Models() []any {
	return []any{&SyncSpec{}, &Window{}, &Document{}}
}

// SpecStore provides database operations for sync specs.
type SpecStore struct {
	db *gorm.DB
}

// NewSpecStore creates a new SpecStore.
func NewSpecStore(db *gorm.DB) *SpecStore {
	return &SpecStore{db: db}
}

// AutoMigrate creates or updates the sync tables.
func (s *SpecStore) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Get retrieves a spec by id. Returns nil, nil when it does not exist.
func (s *SpecStore) Get(ctx context.Context, id uint) (*SyncSpec, error) {
	var spec SyncSpec
	if err := s.db.WithContext(ctx).First(&spec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync spec %d: %w", id, err)
	}
	return &spec, nil
}

// List returns every spec ordered by id.
func (s *SpecStore) List(ctx context.Context) ([]SyncSpec, error) {
	var specs []SyncSpec
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("list sync specs: %w", err)
	}
	return specs, nil
}

// ListEnabled returns the enabled specs ordered by id.
func (s *SpecStore) ListEnabled(ctx context.Context) ([]SyncSpec, error) {
	var specs []SyncSpec
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&specs).Error; err != nil {
		return nil, fmt.Errorf("list enabled sync specs: %w", err)
	}
	return specs, nil
}

// Upsert inserts spec or replaces every column of the row with the same id.
func (s *SpecStore) Upsert(ctx context.Context, spec *SyncSpec) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_type", "tenant_codes", "tenant_name", "origin_time", "start_page",
			"delay_seconds", "window_seconds", "enabled", "fired", "compositional",
			"source_config", "updated_at",
		}),
	}).Create(spec).Error
	if err != nil {
		return fmt.Errorf("upsert sync spec %d: %w", spec.ID, err)
	}
	return nil
}

// WindowStore provides database operations for sync windows.
type WindowStore struct {
	db *gorm.DB
}

// NewWindowStore creates a new WindowStore.
func NewWindowStore(db *gorm.DB) *WindowStore {
	return &WindowStore{db: db}
}

// Latest returns the window with the greatest end time for a spec, or nil.
func (s *WindowStore) Latest(ctx context.Context, specID uint) (*Window, error) {
	var w Window
	err := s.db.WithContext(ctx).
		Where("spec_id = ?", specID).
		Order("end_time DESC").
		Limit(1).
		Take(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest window for spec %d: %w", specID, err)
	}
	return &w, nil
}

// InsertBatch inserts windows in one statement per batch of 500.
func (s *WindowStore) InsertBatch(ctx context.Context, windows []Window) error {
	if len(windows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(windows, 500).Error; err != nil {
		return fmt.Errorf("insert windows: %w", err)
	}
	return nil
}

// ListPending returns up to limit incomplete windows for a spec, highest
// priority first, then oldest first.
func (s *WindowStore) ListPending(ctx context.Context, specID uint, limit int) ([]Window, error) {
	var windows []Window
	err := s.db.WithContext(ctx).
		Where("spec_id = ? AND completed = ?", specID, false).
		Order("priority DESC").
		Order("start_time ASC").
		Limit(limit).
		Find(&windows).Error
	if err != nil {
		return nil, fmt.Errorf("list pending windows for spec %d: %w", specID, err)
	}
	return windows, nil
}

// WindowFilter narrows List.
type WindowFilter struct {
	SpecID    uint
	Completed *bool
	Limit     int
}

// List returns windows newest first.
func (s *WindowStore) List(ctx context.Context, filter WindowFilter) ([]Window, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&Window{}).Where("spec_id = ?", filter.SpecID)
	if filter.Completed != nil {
		q = q.Where("completed = ?", *filter.Completed)
	}
	var windows []Window
	if err := q.Order("start_time DESC").Limit(limit).Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("list windows for spec %d: %w", filter.SpecID, err)
	}
	return windows, nil
}

// Counts returns the total and incomplete window counts for a spec.
func (s *WindowStore) Counts(ctx context.Context, specID uint) (total, pending int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Model(&Window{}).Where("spec_id = ?", specID).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count windows for spec %d: %w", specID, err)
	}
	if err = db.Model(&Window{}).Where("spec_id = ? AND completed = ?", specID, false).Count(&pending).Error; err != nil {
		return 0, 0, fmt.Errorf("count pending windows for spec %d: %w", specID, err)
	}
	return total, pending, nil
}

// Record adds m to a window's metrics and, when completed is set, marks it
// complete. Metrics are incremented in SQL so concurrent passes never lose
// time already recorded.
func (s *WindowStore) Record(ctx context.Context, id uint, m WindowMetrics, completed bool) error {
	updates := map[string]any{
		"record_count": gorm.Expr("record_count + ?", m.Records),
		"pull_millis":  gorm.Expr("pull_millis + ?", m.Pull.Milliseconds()),
		"save_millis":  gorm.Expr("save_millis + ?", m.Save.Milliseconds()),
		"total_millis": gorm.Expr("total_millis + ?", m.Total.Milliseconds()),
	}
	if completed {
		updates["completed"] = true
	}
	result := s.db.WithContext(ctx).Model(&Window{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("record window %d: %w", id, result.Error)
	}
	return nil
}

// RecordComposed adds m to the anchor window's metrics and, when completed
// is set, marks every window in ids complete, all in one transaction.
func (s *WindowStore) RecordComposed(ctx context.Context, anchor uint, ids []uint, m WindowMetrics, completed bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := &WindowStore{db: tx}
		if err := store.Record(ctx, anchor, m, false); err != nil {
			return err
		}
		if completed {
			return store.MarkCompleted(ctx, ids)
		}
		return nil
	})
}

// MarkCompleted flags the given windows complete.
func (s *WindowStore) MarkCompleted(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	result := s.db.WithContext(ctx).Model(&Window{}).Where("id IN ?", ids).Update("completed", true)
	if result.Error != nil {
		return fmt.Errorf("mark windows completed: %w", result.Error)
	}
	return nil
}

// SaveOutcome reports what DocumentStore.Save did.
type SaveOutcome string

const (
	SaveInserted  SaveOutcome = "inserted"
	SaveUpdated   SaveOutcome = "updated"
	SaveUnchanged SaveOutcome = "unchanged"
)

// DocumentStore provides database operations for synchronized documents.
type DocumentStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDocumentStore creates a new DocumentStore.
func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db, now: time.Now}
}

// Save applies the last-write-wins rule: a new key is inserted, an existing
// one is replaced only when doc.Modified is strictly newer than the stored
// value, otherwise nothing changes. Sync timestamps are filled when zero.
func (s *DocumentStore) Save(ctx context.Context, doc *Document) (SaveOutcome, error) {
	if doc.SN == "" {
		return "", fmt.Errorf("%w: empty sn", ErrInvalidDocument)
	}
	if doc.Modified.IsZero() {
		return "", fmt.Errorf("%w: sn %q has no modified time", ErrInvalidDocument, doc.SN)
	}
	doc.Modified = doc.Modified.UTC()
	doc.Created = doc.Created.UTC()

	outcome, err := s.save(ctx, doc)
	if err != nil && outcome == SaveInserted {
		// A concurrent save inserted the same key first; retry as an update.
		outcome, err = s.save(ctx, doc)
	}
	return outcome, err
}

func (s *DocumentStore) save(ctx context.Context, doc *Document) (SaveOutcome, error) {
	var outcome SaveOutcome
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Where("spec_id = ? AND tenant_code = ? AND sn = ?", doc.SpecID, doc.TenantCode, doc.SN).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = SaveInserted
			doc.ID = 0
			if doc.SyncCreated.IsZero() {
				doc.SyncCreated = now
			}
			if doc.SyncModified.IsZero() {
				doc.SyncModified = now
			}
			if err := tx.Create(doc).Error; err != nil {
				return fmt.Errorf("insert document %q: %w", doc.SN, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup document %q: %w", doc.SN, err)
		}

		doc.ID = existing.ID
		doc.SyncCreated = existing.SyncCreated
		if !doc.Modified.After(existing.Modified) {
			outcome = SaveUnchanged
			return nil
		}

		result := tx.Model(&Document{}).
			Where("id = ? AND modified < ?", existing.ID, doc.Modified).
			Updates(map[string]any{
				"rsn":           doc.RSN,
				"tenant_name":   doc.TenantName,
				"payload":       doc.Payload,
				"created":       doc.Created,
				"modified":      doc.Modified,
				"sync_modified": now,
			})
		if result.Error != nil {
			return fmt.Errorf("update document %q: %w", doc.SN, result.Error)
		}
		if result.RowsAffected == 0 {
			outcome = SaveUnchanged
			return nil
		}
		doc.SyncModified = now
		outcome = SaveUpdated
		return nil
	})
	return outcome, err
}

// Get returns the document stored under a key, or nil.
func (s *DocumentStore) Get(ctx context.Context, specID uint, tenantCode, sn string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("spec_id = ? AND tenant_code = ? AND sn = ?", specID, tenantCode, sn).
		Take(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document %q: %w", sn, err)
	}
	return &doc, nil
}

// Count returns the number of documents stored for a spec.
func (s *DocumentStore) Count(ctx context.Context, specID uint) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("spec_id = ?", specID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count documents for spec %d: %w", specID, err)
	}
	return n, nil
}
