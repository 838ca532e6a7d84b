package datasync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSourceType is returned when a spec names an unregistered adapter.
var ErrUnknownSourceType = errors.New("unknown source type")

// DefaultPageSize is used when a Source does not implement PageSizer.
const DefaultPageSize = 100

// Request identifies what a Source call is about. Window is the range being
// synchronized, which may be a composed range that exists in no table.
type Request struct {
	TenantCode string
	Window     Window
	Parameter  any
}

// Source is a paginated external data feed.
type Source interface {
	// Count returns the number of records the source holds for req.
	Count(ctx context.Context, req Request) (int64, error)
	// Fetch returns one page of records. Page numbers start at the source's
	// start page.
	Fetch(ctx context.Context, req Request, page int) ([]Document, error)
}

// ParameterProvider is implemented by sources that need one independent
// pass per parameter value (for example one per order status).
type ParameterProvider interface {
	Parameters() []any
}

// PageSizer overrides DefaultPageSize.
type PageSizer interface {
	PageSize() int
}

// StartPager overrides the spec's start page.
type StartPager interface {
	StartPage() int
}

// Factory builds a Source for a spec.
type Factory func(spec *SyncSpec) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a source type available to NewSource. It is meant to be
// called from an adapter's init function and panics on duplicates.
func Register(sourceType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("datasync: Register factory is nil for " + sourceType)
	}
	if _, dup := registry[sourceType]; dup {
		panic(fmt.Sprintf("datasync: source type %q already registered", sourceType))
	}
	registry[sourceType] = f
}

// NewSource builds the Source registered for spec.SourceType.
func NewSource(spec *SyncSpec) (Source, error) {
	registryMu.RLock()
	f, ok := registry[spec.SourceType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, spec.SourceType)
	}
	src, err := f(spec)
	if err != nil {
		return nil, fmt.Errorf("build source %q for spec %d: %w", spec.SourceType, spec.ID, err)
	}
	return src, nil
}

// SourceTypes returns the registered source types, sorted.
func SourceTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pageSizeOf(src Source) int {
	if ps, ok := src.(PageSizer); ok && ps.PageSize() > 0 {
		return ps.PageSize()
	}
	return DefaultPageSize
}

func startPageOf(src Source, spec *SyncSpec) int {
	if sp, ok := src.(StartPager); ok {
		return sp.StartPage()
	}
	if spec.StartPage > 0 {
		return spec.StartPage
	}
	return 1
}

func parametersOf(src Source) []any {
	if pp, ok := src.(ParameterProvider); ok {
		if params := pp.Parameters(); len(params) > 0 {
			return params
		}
	}
	return []any{nil}
}
