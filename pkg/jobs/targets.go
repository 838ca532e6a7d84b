package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Task is the work a scheduled job performs on each fire.
type Task = func(ctx context.Context) error

// TargetFactory builds a Task from the argument part of a target reference.
type TargetFactory func(arg string) (Task, error)

// ErrUnknownTarget is returned when a target reference names no registered kind.
var ErrUnknownTarget = errors.New("unknown execution target")

// Targets resolves target references of the form "kind" or "kind:arg".
type Targets struct {
	mu        sync.RWMutex
	factories map[string]TargetFactory
}

// NewTargets creates an empty target registry.
func NewTargets() *Targets {
	return &Targets{factories: make(map[string]TargetFactory)}
}

// Register adds a target kind. It panics if kind is already registered.
func (t *Targets) Register(kind string, f TargetFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.factories[kind]; dup {
		panic(fmt.Sprintf("jobs: target kind %q already registered", kind))
	}
	t.factories[kind] = f
}

// Resolve returns the Task for a target reference.
func (t *Targets) Resolve(ref string) (Task, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(ref), ":")
	t.mu.RLock()
	f, ok := t.factories[kind]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, ref)
	}
	task, err := f(arg)
	if err != nil {
		return nil, fmt.Errorf("resolve target %q: %w", ref, err)
	}
	return task, nil
}

// Kinds returns the registered target kinds, sorted.
func (t *Targets) Kinds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kinds := make([]string, 0, len(t.factories))
	for k := range t.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
