package datasync

import "time"

// SetClock replaces the planner's time source.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// SetClock replaces the document store's time source.
func (s *DocumentStore) SetClock(now func() time.Time) { s.now = now }
