// Package manifest loads job and sync spec definitions from YAML and applies
// them to the database. Applying only inserts and updates; rows absent from
// a manifest are left alone.
package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/kubeflow/datasync/pkg/cron"
	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/jobs"
)

// maxManifestSize bounds a manifest document (1 MiB).
const maxManifestSize = 1 << 20

// ErrTooLarge is returned for manifests above maxManifestSize.
var ErrTooLarge = errors.New("manifest exceeds maximum allowed size (1 MiB)")

// Manifest is the YAML document shape.
//
//	jobs:
//	  - name: orders
//	    enabled: true
//	    address: 10.0.0.1
//	    cron: "0 */5 * * * ?"
//	    target: sync:1
//	syncSpecs:
//	  - id: 1
//	    sourceType: httpjson
//	    tenantCodes: t1,t2
//	    originTime: 2024-01-01T00:00:00Z
//	    sourceConfig: {host: "https://feed.example.com", ...}
type Manifest struct {
	Jobs      []jobs.JobSpec `yaml:"jobs"`
	SyncSpecs []SyncEntry    `yaml:"syncSpecs"`
}

// SyncEntry is a SyncSpec as written in a manifest. Enabled and Fired
// default to true and an omitted DelaySeconds to
// datasync.DefaultDelaySeconds; SourceConfig is free-form and stored as JSON.
type SyncEntry struct {
	ID            uint           `yaml:"id"`
	SourceType    string         `yaml:"sourceType"`
	TenantCodes   string         `yaml:"tenantCodes"`
	TenantName    string         `yaml:"tenantName"`
	OriginTime    time.Time      `yaml:"originTime"`
	StartPage     int            `yaml:"startPage"`
	DelaySeconds  *int           `yaml:"delaySeconds"`
	WindowSeconds int            `yaml:"windowSeconds"`
	Enabled       *bool          `yaml:"enabled"`
	Fired         *bool          `yaml:"fired"`
	Compositional bool           `yaml:"compositional"`
	SourceConfig  map[string]any `yaml:"sourceConfig"`
}

// SyncSpec converts the entry into a stored spec with defaults applied.
func (e *SyncEntry) SyncSpec() (*datasync.SyncSpec, error) {
	delay := datasync.DefaultDelaySeconds
	if e.DelaySeconds != nil {
		delay = *e.DelaySeconds
	}
	spec := &datasync.SyncSpec{
		ID:            e.ID,
		SourceType:    e.SourceType,
		TenantCodes:   e.TenantCodes,
		TenantName:    e.TenantName,
		OriginTime:    e.OriginTime.UTC(),
		StartPage:     e.StartPage,
		DelaySeconds:  delay,
		WindowSeconds: e.WindowSeconds,
		Enabled:       e.Enabled == nil || *e.Enabled,
		Fired:         e.Fired == nil || *e.Fired,
		Compositional: e.Compositional,
	}
	spec.ApplyDefaults()
	if len(e.SourceConfig) > 0 {
		raw, err := json.Marshal(e.SourceConfig)
		if err != nil {
			return nil, fmt.Errorf("sync spec %d: encode sourceConfig: %w", e.ID, err)
		}
		spec.SourceConfig = datatypes.JSON(raw)
	}
	return spec, nil
}

// Parse decodes and validates a manifest. It also returns the SHA-256 of
// the raw bytes, which identifies the applied revision in logs.
func Parse(r io.Reader) (*Manifest, string, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxManifestSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read manifest: %w", err)
	}
	if len(raw) > maxManifestSize {
		return nil, "", ErrTooLarge
	}
	sum := sha256.Sum256(raw)

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, "", err
	}
	return &m, hex.EncodeToString(sum[:]), nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Validate reports every problem in the manifest at once.
func (m *Manifest) Validate() error {
	var errs []error
	names := make(map[string]bool, len(m.Jobs))
	for i, j := range m.Jobs {
		where := fmt.Sprintf("jobs[%d]", i)
		if j.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else if names[j.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate job name %q", where, j.Name))
		}
		names[j.Name] = true
		if strings.TrimSpace(j.Target) == "" {
			errs = append(errs, fmt.Errorf("%s: target is required", where))
		}
		if err := cron.Validate(j.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	ids := make(map[uint]bool, len(m.SyncSpecs))
	for i, s := range m.SyncSpecs {
		where := fmt.Sprintf("syncSpecs[%d]", i)
		if s.ID == 0 {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else if ids[s.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %d", where, s.ID))
		}
		ids[s.ID] = true
		if s.SourceType == "" {
			errs = append(errs, fmt.Errorf("%s: sourceType is required", where))
		}
		if strings.TrimSpace(s.TenantCodes) == "" {
			errs = append(errs, fmt.Errorf("%s: tenantCodes is required", where))
		}
		if s.OriginTime.IsZero() {
			errs = append(errs, fmt.Errorf("%s: originTime is required", where))
		}
		if s.WindowSeconds < 0 || (s.DelaySeconds != nil && *s.DelaySeconds < 0) {
			errs = append(errs, fmt.Errorf("%s: windowSeconds and delaySeconds must not be negative", where))
		}
	}
	return errors.Join(errs...)
}

// JobStore is the job persistence Apply needs.
type JobStore interface {
	Upsert(ctx context.Context, spec *jobs.JobSpec) error
}

// SpecStore is the sync spec persistence Apply needs.
type SpecStore interface {
	Upsert(ctx context.Context, spec *datasync.SyncSpec) error
}

// Result counts what Apply wrote.
type Result struct {
	Jobs      int    `json:"jobs"`
	SyncSpecs int    `json:"syncSpecs"`
	Revision  string `json:"revision,omitempty"`
}

// Apply upserts every sync spec, then every job, stopping at the first
// failure. Sync specs go first so a job never targets a missing spec.
func Apply(ctx context.Context, m *Manifest, jobStore JobStore, specStore SpecStore) (Result, error) {
	var res Result
	for i := range m.SyncSpecs {
		spec, err := m.SyncSpecs[i].SyncSpec()
		if err != nil {
			return res, err
		}
		if err := specStore.Upsert(ctx, spec); err != nil {
			return res, err
		}
		res.SyncSpecs++
	}
	for i := range m.Jobs {
		job := m.Jobs[i]
		if err := jobStore.Upsert(ctx, &job); err != nil {
			return res, err
		}
		res.Jobs++
	}
	return res, nil
}
