// Package datasynctest provides a scripted Source for exercising the sync
// engine without a network.
package datasynctest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kubeflow/datasync/pkg/datasync"
)

// FetchCall records one Fetch invocation.
type FetchCall struct {
	Request datasync.Request
	Page    int
}

// Source serves Total synthetic records per tenant, window and parameter.
// Zero values give a source with no records, page size 100, first page 1.
type Source struct {
	Total     int64
	Size      int
	FirstPage int
	Params    []any
	// Modified stamps every document; zero means the window end.
	Modified time.Time
	// FailPage makes Fetch of that page return FailErr.
	FailPage int
	FailErr  error
	// CountErr makes every Count fail.
	CountErr error
	// BlankSNs lists record indexes served without a serial number.
	BlankSNs []int64
	// Gate, when set, holds every Fetch until it is closed or ctx ends.
	Gate chan struct{}

	mu      sync.Mutex
	counts  []datasync.Request
	fetches []FetchCall
}

// Factory returns a datasync.Factory that always yields s.
func (s *Source) Factory() datasync.Factory {
	return func(*datasync.SyncSpec) (datasync.Source, error) { return s, nil }
}

// Count implements datasync.Source.
func (s *Source) Count(_ context.Context, req datasync.Request) (int64, error) {
	s.mu.Lock()
	s.counts = append(s.counts, req)
	s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	return s.Total, nil
}

// Fetch implements datasync.Source.
func (s *Source) Fetch(ctx context.Context, req datasync.Request, page int) ([]datasync.Document, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, FetchCall{Request: req, Page: page})
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.FailPage != 0 && page == s.FailPage {
		err := s.FailErr
		if err == nil {
			err = fmt.Errorf("page %d unavailable", page)
		}
		return nil, err
	}

	size := int64(s.PageSize())
	offset := int64(page-s.first()) * size
	n := s.Total - offset
	if n > size {
		n = size
	}
	if n <= 0 {
		return nil, nil
	}

	modified := s.Modified
	if modified.IsZero() {
		modified = req.Window.EndTime
	}
	docs := make([]datasync.Document, n)
	for i := range docs {
		idx := offset + int64(i)
		sn := fmt.Sprintf("%s-%d", req.TenantCode, idx)
		if req.Parameter != nil {
			sn = fmt.Sprintf("%s-%v-%d", req.TenantCode, req.Parameter, idx)
		}
		if slices.Contains(s.BlankSNs, idx) {
			sn = ""
		}
		docs[i] = datasync.Document{
			SN:       sn,
			Payload:  []byte(fmt.Sprintf(`{"sn":%q,"page":%d}`, sn, page)),
			Created:  req.Window.StartTime,
			Modified: modified,
		}
	}
	return docs, nil
}

// PageSize implements datasync.PageSizer.
func (s *Source) PageSize() int {
	if s.Size > 0 {
		return s.Size
	}
	return datasync.DefaultPageSize
}

// Parameters implements datasync.ParameterProvider.
func (s *Source) Parameters() []any { return s.Params }

// Counts returns the requests passed to Count, in call order.
func (s *Source) Counts() []datasync.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]datasync.Request(nil), s.counts...)
}

// Fetches returns the Fetch calls, in call order.
func (s *Source) Fetches() []FetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchCall(nil), s.fetches...)
}

// Pages returns the page numbers fetched, in call order.
func (s *Source) Pages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]int, len(s.fetches))
	for i, f := range s.fetches {
		pages[i] = f.Page
	}
	return pages
}

func (s *Source) first() int {
	if s.FirstPage > 0 {
		return s.FirstPage
	}
	return 1
}
