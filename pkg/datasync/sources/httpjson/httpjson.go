// Package httpjson is a Source adapter for paginated JSON endpoints. Field
// extraction is driven by gjson paths in the spec's source config, so one
// adapter serves any feed that exposes a count and a page endpoint.
//
// Import it for its side effect of registering the "httpjson" source type:
//
//	import _ "github.com/kubeflow/datasync/pkg/datasync/sources/httpjson"
package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kubeflow/datasync/pkg/datasync"
)

// SourceType is the registry tag of this adapter.
const SourceType = "httpjson"

// maxResponseSize caps how much of a response body is read (32 MB).
const maxResponseSize = 32 * 1024 * 1024

func init() {
	datasync.Register(SourceType, New)
}

// Config is the adapter configuration stored in SyncSpec.SourceConfig.
type Config struct {
	Host             string            `json:"host"`
	CountPath        string            `json:"countPath"`
	DataPath         string            `json:"dataPath"`
	CountJSONPath    string            `json:"countJsonPath,omitempty"`
	DataJSONPath     string            `json:"dataJsonPath,omitempty"`
	SNJSONPath       string            `json:"snJsonPath"`
	RSNJSONPath      string            `json:"rsnJsonPath,omitempty"`
	CreatedJSONPath  string            `json:"createdJsonPath,omitempty"`
	ModifiedJSONPath string            `json:"modifiedJsonPath,omitempty"`
	TimeLayout       string            `json:"timeLayout,omitempty"`
	PageSize         int               `json:"pageSize,omitempty"`
	StartPage        *int              `json:"startPage,omitempty"`
	Parameters       []string          `json:"parameters,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds,omitempty"`
}

// ParseConfig decodes raw source config and applies defaults.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := &Config{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("httpjson: decode config: %w", err)
		}
	}
	if cfg.Host == "" {
		return nil, errors.New("httpjson: host is required")
	}
	if cfg.CountPath == "" || cfg.DataPath == "" {
		return nil, errors.New("httpjson: countPath and dataPath are required")
	}
	if cfg.SNJSONPath == "" {
		return nil, errors.New("httpjson: snJsonPath is required")
	}
	if cfg.TimeLayout == "" {
		cfg.TimeLayout = time.RFC3339
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = datasync.DefaultPageSize
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	return cfg, nil
}

// Source pulls records from an HTTP JSON feed.
type Source struct {
	cfg    *Config
	client *http.Client
	now    func() time.Time
}

// New builds a Source from a spec's source config.
func New(spec *datasync.SyncSpec) (datasync.Source, error) {
	cfg, err := ParseConfig(spec.SourceConfig)
	if err != nil {
		return nil, err
	}
	if cfg.StartPage == nil && spec.StartPage > 0 {
		sp := spec.StartPage
		cfg.StartPage = &sp
	}
	return NewWithClient(cfg, &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}), nil
}

// NewWithClient builds a Source that sends requests through client.
func NewWithClient(cfg *Config, client *http.Client) *Source {
	return &Source{cfg: cfg, client: client, now: time.Now}
}

// PageSize implements datasync.PageSizer.
func (s *Source) PageSize() int { return s.cfg.PageSize }

// StartPage implements datasync.StartPager. The config value wins over the
// spec's start page.
func (s *Source) StartPage() int {
	if s.cfg.StartPage != nil {
		return *s.cfg.StartPage
	}
	return 1
}

// Parameters implements datasync.ParameterProvider.
func (s *Source) Parameters() []any {
	params := make([]any, len(s.cfg.Parameters))
	for i, p := range s.cfg.Parameters {
		params[i] = p
	}
	return params
}

// Count implements datasync.Source.
func (s *Source) Count(ctx context.Context, req datasync.Request) (int64, error) {
	body, err := s.get(ctx, s.cfg.CountPath, s.query(req, 0))
	if err != nil {
		return 0, err
	}
	var res gjson.Result
	if s.cfg.CountJSONPath == "" {
		res = gjson.ParseBytes(body)
	} else {
		res = gjson.GetBytes(body, s.cfg.CountJSONPath)
	}
	if !res.Exists() || (res.Type != gjson.Number && res.Type != gjson.String) {
		return 0, fmt.Errorf("httpjson: count not found in response")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(res.String()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("httpjson: parse count %q: %w", res.String(), err)
	}
	return n, nil
}

// Fetch implements datasync.Source.
func (s *Source) Fetch(ctx context.Context, req datasync.Request, page int) ([]datasync.Document, error) {
	body, err := s.get(ctx, s.cfg.DataPath, s.query(req, page))
	if err != nil {
		return nil, err
	}
	items := gjson.ParseBytes(body)
	if s.cfg.DataJSONPath != "" {
		items = gjson.GetBytes(body, s.cfg.DataJSONPath)
	}
	if !items.Exists() || items.Type == gjson.Null {
		return nil, nil
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("httpjson: page %d: data is not an array", page)
	}

	fetched := s.now().UTC()
	var docs []datasync.Document
	for _, item := range items.Array() {
		doc := datasync.Document{
			SN:      item.Get(s.cfg.SNJSONPath).String(),
			Payload: []byte(item.Raw),
		}
		if s.cfg.RSNJSONPath != "" {
			doc.RSN = item.Get(s.cfg.RSNJSONPath).String()
		}
		if doc.Created, err = s.timeAt(item, s.cfg.CreatedJSONPath, fetched); err != nil {
			return nil, err
		}
		if doc.Modified, err = s.timeAt(item, s.cfg.ModifiedJSONPath, fetched); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// timeAt reads a timestamp at path. Strings are parsed with the configured
// layout, numbers are unix milliseconds, and a missing value yields fallback.
func (s *Source) timeAt(item gjson.Result, path string, fallback time.Time) (time.Time, error) {
	if path == "" {
		return fallback, nil
	}
	v := item.Get(path)
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case gjson.String:
		t, err := time.Parse(s.cfg.TimeLayout, v.String())
		if err != nil {
			return time.Time{}, fmt.Errorf("httpjson: parse time at %s: %w", path, err)
		}
		return t.UTC(), nil
	default:
		return fallback, nil
	}
}

func (s *Source) query(req datasync.Request, page int) url.Values {
	q := url.Values{}
	q.Set("tenant", req.TenantCode)
	q.Set("start", req.Window.StartTime.UTC().Format(s.cfg.TimeLayout))
	q.Set("end", req.Window.EndTime.UTC().Format(s.cfg.TimeLayout))
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
		q.Set("pageSize", strconv.Itoa(s.cfg.PageSize))
	}
	if req.Parameter != nil {
		q.Set("param", fmt.Sprint(req.Parameter))
	}
	return q
}

func (s *Source) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := s.cfg.Host + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("httpjson: create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpjson: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("httpjson: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	return body, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpjson: unexpected status %d: %s", e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
