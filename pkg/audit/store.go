package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidPageToken is returned by List for a malformed page token.
var ErrInvalidPageToken = errors.New("invalid page token")

// Store persists audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the audit table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Append inserts one event.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Get returns the event with id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	err := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&e).Error
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	if e.ID == "" {
		return nil, nil
	}
	return &e, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Actor    string
	Resource string
	Action   string
	Outcome  string
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.Resource != "" {
		q = q.Where("resource = ?", f.Resource)
	}
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	return q
}

// List returns one page of matching events, newest first, the token for
// the next page ("" on the last page), and the total match count.
// Tokens are "<created_at RFC3339Nano>|<id>" of the last event returned.
func (s *Store) List(ctx context.Context, filter Filter, pageSize int, pageToken string) ([]Event, string, int64, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var total int64
	if err := filter.apply(s.db.WithContext(ctx).Model(&Event{})).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	q := filter.apply(s.db.WithContext(ctx)).Order("created_at DESC").Order("id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		at, id, err := parseToken(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		q = q.Where(s.db.Where("created_at < ?", at).Or("created_at = ? AND id < ?", at, id))
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var next string
	if len(events) > pageSize {
		last := events[pageSize-1]
		next = last.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + last.ID
		events = events[:pageSize]
	}
	return events, next, total, nil
}

// DeleteOlderThan deletes events created before cutoff and returns how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func parseToken(token string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(token, "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w %q", ErrInvalidPageToken, token)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return at.UTC(), id, nil
}
