package jobs

import (
	"time"
)

// JobSpec is the GORM model for a declared cron job. The reconciler keeps the
// live schedule aligned with these rows and only ever writes Fingerprint.
type JobSpec struct {
	Name        string    `gorm:"primaryKey;column:name;type:varchar(128)" json:"name" yaml:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool      `gorm:"column:enabled;not null" json:"enabled" yaml:"enabled"`
	Address     string    `gorm:"column:address;index:idx_job_spec_address;not null" json:"address" yaml:"address"`
	Cron        string    `gorm:"column:cron;not null" json:"cron" yaml:"cron"`
	Target      string    `gorm:"column:target;not null" json:"target" yaml:"target"`
	Fingerprint string    `gorm:"column:fingerprint;type:varchar(32)" json:"fingerprint,omitempty" yaml:"-" fingerprint:"-"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt" yaml:"-" fingerprint:"-"`
}

// TableName returns the GORM table name.
func (JobSpec) TableName() string { return "job_specs" }

// JobKey is the scheduler key for a job name.
func JobKey(name string) string { return name + "Job" }

// TriggerKey names the cron trigger of a job in logs and the admin API.
func TriggerKey(name string) string { return name + "Trigger" }
