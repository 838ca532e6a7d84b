package httpjson

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/datasync/pkg/datasync"
)

var (
	start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end   = start.Add(5 * time.Minute)
)

func newFeed(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func specFor(t *testing.T, host, extra string) *datasync.SyncSpec {
	t.Helper()
	raw := fmt.Sprintf(`{
		"host": %q,
		"countPath": "/orders/count",
		"dataPath": "/orders",
		"countJsonPath": "data.total",
		"dataJsonPath": "data.items",
		"snJsonPath": "orderNo",
		"rsnJsonPath": "refNo",
		"createdJsonPath": "createdAt",
		"modifiedJsonPath": "updatedAt",
		"pageSize": 2,
		"headers": {"X-Api-Key": "secret"}%s
	}`, host, extra)
	return &datasync.SyncSpec{ID: 1, SourceType: SourceType, SourceConfig: []byte(raw)}
}

func TestCountAndFetch(t *testing.T) {
	srv := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		q := r.URL.Query()
		assert.Equal(t, "t1", q.Get("tenant"))
		assert.Equal(t, "2024-01-01T00:00:00Z", q.Get("start"))
		assert.Equal(t, "2024-01-01T00:05:00Z", q.Get("end"))

		switch r.URL.Path {
		case "/orders/count":
			assert.Empty(t, q.Get("page"))
			fmt.Fprint(w, `{"data":{"total":3}}`)
		case "/orders":
			assert.Equal(t, "2", q.Get("pageSize"))
			if q.Get("page") == "1" {
				fmt.Fprint(w, `{"data":{"items":[
					{"orderNo":"A","refNo":"R1","createdAt":"2024-01-01T00:01:00Z","updatedAt":"2024-01-01T00:02:00Z"},
					{"orderNo":"B","createdAt":1704067260000,"updatedAt":1704067320000}
				]}}`)
				return
			}
			fmt.Fprint(w, `{"data":{"items":[{"orderNo":"C"}]}}`)
		default:
			http.NotFound(w, r)
		}
	})

	src, err := New(specFor(t, srv.URL, ""))
	require.NoError(t, err)
	s := src.(*Source)
	fetched := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fetched }

	req := datasync.Request{TenantCode: "t1", Window: datasync.Window{StartTime: start, EndTime: end}}
	n, err := s.Count(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	docs, err := s.Fetch(context.Background(), req, 1)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "A", docs[0].SN)
	assert.Equal(t, "R1", docs[0].RSN)
	assert.True(t, docs[0].Modified.Equal(start.Add(2*time.Minute)))
	assert.JSONEq(t, `{"orderNo":"A","refNo":"R1","createdAt":"2024-01-01T00:01:00Z","updatedAt":"2024-01-01T00:02:00Z"}`, string(docs[0].Payload))
	assert.True(t, docs[1].Created.Equal(start.Add(time.Minute)))
	assert.True(t, docs[1].Modified.Equal(start.Add(2*time.Minute)))

	docs, err = s.Fetch(context.Background(), req, 2)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].Modified.Equal(fetched), "missing timestamps fall back to fetch time")
}

func TestBareBodies(t *testing.T) {
	srv := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/count" {
			fmt.Fprint(w, `42`)
			return
		}
		fmt.Fprint(w, `[{"id":"x"}]`)
	})
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`{"host":%q,"countPath":"count","dataPath":"data","snJsonPath":"id"}`, srv.URL)))
	require.NoError(t, err)
	s := NewWithClient(cfg, srv.Client())

	n, err := s.Count(context.Background(), datasync.Request{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	docs, err := s.Fetch(context.Background(), datasync.Request{}, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "x", docs[0].SN)
}

func TestParameterIsSent(t *testing.T) {
	var got []string
	srv := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.Query().Get("param"))
		fmt.Fprint(w, `{"data":{"total":0}}`)
	})
	src, err := New(specFor(t, srv.URL, `, "parameters": ["open", "closed"]`))
	require.NoError(t, err)
	s := src.(*Source)
	assert.Equal(t, []any{"open", "closed"}, s.Parameters())

	for _, p := range s.Parameters() {
		_, err := s.Count(context.Background(), datasync.Request{TenantCode: "t1", Parameter: p})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"open", "closed"}, got)
}

func TestNon2xxIsAnError(t *testing.T) {
	srv := newFeed(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	src, err := New(specFor(t, srv.URL, ""))
	require.NoError(t, err)

	_, err = src.Count(context.Background(), datasync.Request{TenantCode: "t1"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, se.Body, "overloaded")
}

func TestNonArrayDataIsAnError(t *testing.T) {
	srv := newFeed(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"items":{"orderNo":"A"}}}`)
	})
	src, err := New(specFor(t, srv.URL, ""))
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), datasync.Request{}, 1)
	assert.ErrorContains(t, err, "not an array")
}

func TestStartPage(t *testing.T) {
	spec := specFor(t, "http://feed", "")
	spec.StartPage = 0
	src, err := New(spec)
	require.NoError(t, err)
	assert.Equal(t, 1, src.(*Source).StartPage())

	spec.StartPage = 3
	src, err = New(spec)
	require.NoError(t, err)
	assert.Equal(t, 3, src.(*Source).StartPage())

	src, err = New(specFor(t, "http://feed", `, "startPage": 0`))
	require.NoError(t, err)
	assert.Equal(t, 0, src.(*Source).StartPage())
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", ``, "host is required"},
		{"no paths", `{"host":"http://x"}`, "countPath and dataPath"},
		{"no sn", `{"host":"http://x","countPath":"c","dataPath":"d"}`, "snJsonPath"},
		{"bad json", `{`, "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.raw))
			assert.ErrorContains(t, err, tt.want)
		})
	}

	cfg, err := ParseConfig([]byte(`{"host":"http://x/","countPath":"c","dataPath":"d","snJsonPath":"id"}`))
	require.NoError(t, err)
	assert.Equal(t, "http://x", cfg.Host)
	assert.Equal(t, time.RFC3339, cfg.TimeLayout)
	assert.Equal(t, datasync.DefaultPageSize, cfg.PageSize)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
}

func TestRegistered(t *testing.T) {
	assert.Contains(t, datasync.SourceTypes(), SourceType)
}
