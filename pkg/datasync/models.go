package datasync

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SyncSpec configures one source feed: which adapter pulls it, for which
// tenants, from when, and how the timeline is cut into windows.
type SyncSpec struct {
	ID            uint           `gorm:"primaryKey;column:id" json:"id" yaml:"id"`
	SourceType    string         `gorm:"column:source_type;not null;index:idx_sync_spec_type" json:"sourceType" yaml:"sourceType"`
	TenantCodes   string         `gorm:"column:tenant_codes;not null" json:"tenantCodes" yaml:"tenantCodes"`
	TenantName    string         `gorm:"column:tenant_name" json:"tenantName,omitempty" yaml:"tenantName,omitempty"`
	OriginTime    time.Time      `gorm:"column:origin_time;not null" json:"originTime" yaml:"originTime"`
	StartPage     int            `gorm:"column:start_page;not null" json:"startPage" yaml:"startPage"`
	DelaySeconds  int            `gorm:"column:delay_seconds;not null" json:"delaySeconds" yaml:"delaySeconds"`
	WindowSeconds int            `gorm:"column:window_seconds;not null" json:"windowSeconds" yaml:"windowSeconds"`
	Enabled       bool           `gorm:"column:enabled;not null;index:idx_sync_spec_enabled" json:"enabled" yaml:"enabled"`
	Fired         bool           `gorm:"column:fired;not null" json:"fired" yaml:"fired"`
	Compositional bool           `gorm:"column:compositional;not null" json:"compositional" yaml:"compositional"`
	SourceConfig  datatypes.JSON `gorm:"column:source_config" json:"sourceConfig,omitempty" yaml:"-"`
	CreatedAt     time.Time      `gorm:"column:created_at" json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time      `gorm:"column:updated_at" json:"updatedAt" yaml:"-"`
}

// TableName returns the GORM table name.
func (SyncSpec) TableName() string { return "sync_specs" }

// TenantCodeList splits TenantCodes on commas, dropping blanks.
func (s *SyncSpec) TenantCodeList() []string {
	parts := strings.Split(s.TenantCodes, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Delay is how far behind now the planning horizon trails.
func (s *SyncSpec) Delay() time.Duration { return time.Duration(s.DelaySeconds) * time.Second }

// WindowSize is the fixed length of every planned window.
func (s *SyncSpec) WindowSize() time.Duration { return time.Duration(s.WindowSeconds) * time.Second }

// DefaultDelaySeconds is the delay used when none is declared.
const DefaultDelaySeconds = 60

// ApplyDefaults fills a zero StartPage and WindowSeconds and a negative
// DelaySeconds. A zero delay is valid and kept.
func (s *SyncSpec) ApplyDefaults() {
	if s.StartPage <= 0 {
		s.StartPage = 1
	}
	if s.DelaySeconds < 0 {
		s.DelaySeconds = DefaultDelaySeconds
	}
	if s.WindowSeconds <= 0 {
		s.WindowSeconds = 60
	}
}

// Window is a half-open [StartTime, EndTime) slice of a spec's timeline and
// the record of syncing it. Metric columns only ever grow.
type Window struct {
	ID          uint      `gorm:"primaryKey;column:id" json:"id"`
	SpecID      uint      `gorm:"column:spec_id;not null;index:idx_window_pending,priority:1;index:idx_window_end,priority:1" json:"specId"`
	StartTime   time.Time `gorm:"column:start_time;not null;index:idx_window_pending,priority:4" json:"startTime"`
	EndTime     time.Time `gorm:"column:end_time;not null;index:idx_window_end,priority:2" json:"endTime"`
	Priority    int       `gorm:"column:priority;not null;index:idx_window_pending,priority:3" json:"priority"`
	Completed   bool      `gorm:"column:completed;not null;index:idx_window_pending,priority:2" json:"completed"`
	RecordCount int64     `gorm:"column:record_count;not null" json:"recordCount"`
	PullMillis  int64     `gorm:"column:pull_millis;not null" json:"pullMillis"`
	SaveMillis  int64     `gorm:"column:save_millis;not null" json:"saveMillis"`
	TotalMillis int64     `gorm:"column:total_millis;not null" json:"totalMillis"`
}

// TableName returns the GORM table name.
func (Window) TableName() string { return "sync_windows" }

// SpendTime renders TotalMillis for humans: whole seconds above one second,
// milliseconds otherwise.
func (w *Window) SpendTime() string {
	if w.TotalMillis > 1000 {
		return fmt.Sprintf("%ds", w.TotalMillis/1000)
	}
	return fmt.Sprintf("%dms", w.TotalMillis)
}

// WindowMetrics is the delta a single processing pass adds to a window.
type WindowMetrics struct {
	Records int64
	Pull    time.Duration
	Save    time.Duration
	Total   time.Duration
}

// Add returns the field-wise sum of m and o.
func (m WindowMetrics) Add(o WindowMetrics) WindowMetrics {
	return WindowMetrics{
		Records: m.Records + o.Records,
		Pull:    m.Pull + o.Pull,
		Save:    m.Save + o.Save,
		Total:   m.Total + o.Total,
	}
}

// Document is one synchronized source record. (SpecID, TenantCode, SN) is
// unique; a stored document is replaced only by a strictly newer Modified.
type Document struct {
	ID           uint      `gorm:"primaryKey;column:id" json:"id"`
	SpecID       uint      `gorm:"column:spec_id;not null;uniqueIndex:idx_document_key,priority:1" json:"specId"`
	TenantCode   string    `gorm:"column:tenant_code;type:varchar(64);not null;uniqueIndex:idx_document_key,priority:2" json:"tenantCode"`
	SN           string    `gorm:"column:sn;type:varchar(128);not null;uniqueIndex:idx_document_key,priority:3" json:"sn"`
	RSN          string    `gorm:"column:rsn;type:varchar(128);index:idx_document_rsn" json:"rsn,omitempty"`
	TenantName   string    `gorm:"column:tenant_name" json:"tenantName,omitempty"`
	Payload      []byte    `gorm:"column:payload" json:"payload"`
	Created      time.Time `gorm:"column:created" json:"created"`
	Modified     time.Time `gorm:"column:modified;not null" json:"modified"`
	SyncCreated  time.Time `gorm:"column:sync_created" json:"syncCreated"`
	SyncModified time.Time `gorm:"column:sync_modified" json:"syncModified"`
}

// TableName returns the GORM table name.
func (Document) TableName() string { return "sync_documents" }
