package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinQueryLength = 1
	MaxQueryLength = 500
)

var (
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidDateRange = errors.New("invalid date range")
)

// AuthKind is the credential a source expects.
type AuthKind string

const (
	AuthNone  AuthKind = "none"
	AuthKey   AuthKind = "key"
	AuthToken AuthKind = "token"
)

// SourceStatus is the per-source outcome reported in every search response.
type SourceStatus string

const (
	StatusOK           SourceStatus = "ok"
	StatusTimeout      SourceStatus = "timeout"
	StatusRateLimited  SourceStatus = "rate_limited"
	StatusAuthRequired SourceStatus = "auth_required"
	StatusBadRequest   SourceStatus = "bad_request"
	StatusServerError  SourceStatus = "server_error"
)

// SourceDescriptor describes one upstream data source. It is built once from
// configuration and never mutated afterwards.
type SourceDescriptor struct {
	Name          string   `json:"name"`
	DisplayName   string   `json:"display_name"`
	Categories    []string `json:"categories"`
	BaseURL       string   `json:"base_url"`
	Auth          AuthKind `json:"auth"`
	HasCredential bool     `json:"has_credential"`
	RatePerMinute int      `json:"rate_per_minute"`
	Burst         int      `json:"burst"`
	Priority      float64  `json:"priority"`
	Enabled       bool     `json:"enabled"`
}

// ServesAny reports whether the source declares at least one of the categories.
// An empty filter matches every source.
func (d SourceDescriptor) ServesAny(categories []string) bool {
	if len(categories) == 0 {
		return true
	}
	for _, want := range categories {
		for _, have := range d.Categories {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// NormalizedResult is a single record produced by an adapter's parse step.
type NormalizedResult struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Category    string          `json:"category"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	URL         string          `json:"url,omitempty"`
	Relevance   float64         `json:"relevance"`
	Score       float64         `json:"score"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ResultID composes the globally unique id of a result.
func ResultID(source, localID string) string {
	return source + ":" + localID
}

// QueryLimits bounds the page size accepted from clients.
type QueryLimits struct {
	Default int
	Max     int
}

// Query is a validated, clamped search request.
type Query struct {
	Text       string
	Sources    []string
	Categories []string
	DateStart  *time.Time
	DateEnd    *time.Time
	Limit      int
	Cursor     string
}

// NewQuery validates the request and clamps the limit to [1, limits.Max].
func NewQuery(req SearchRequest, limits QueryLimits) (Query, error) {
	text := strings.Join(strings.Fields(req.Query), " ")
	length := utf8.RuneCountInString(text)
	if length < MinQueryLength || length > MaxQueryLength {
		return Query{}, fmt.Errorf("%w: query must have between %d and %d characters", ErrInvalidQuery, MinQueryLength, MaxQueryLength)
	}

	q := Query{
		Text:       text,
		Sources:    normalizeSet(req.APIs),
		Categories: normalizeSet(req.Categories),
		Limit:      ClampLimit(req.Limit, limits),
		Cursor:     strings.TrimSpace(req.Cursor),
	}

	var err error
	if q.DateStart, err = parseDate(req.DateStart); err != nil {
		return Query{}, fmt.Errorf("%w: date_start: %v", ErrInvalidDateRange, err)
	}
	if q.DateEnd, err = parseDate(req.DateEnd); err != nil {
		return Query{}, fmt.Errorf("%w: date_end: %v", ErrInvalidDateRange, err)
	}
	if q.DateStart != nil && q.DateEnd != nil && q.DateStart.After(*q.DateEnd) {
		return Query{}, fmt.Errorf("%w: date_start after date_end", ErrInvalidDateRange)
	}

	return q, nil
}

// ClampLimit applies the default when absent and clamps to [1, limits.Max].
func ClampLimit(limit *int, limits QueryLimits) int {
	if limit == nil {
		return limits.Default
	}
	switch {
	case *limit < 1:
		return 1
	case *limit > limits.Max:
		return limits.Max
	default:
		return *limit
	}
}

// Identity is the canonical form of the query text and filters. It never
// includes the cursor.
func (q Query) Identity() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(q.Text))
	b.WriteString("|apis=")
	b.WriteString(strings.Join(q.Sources, ","))
	b.WriteString("|categories=")
	b.WriteString(strings.Join(q.Categories, ","))
	b.WriteString("|from=")
	if q.DateStart != nil {
		b.WriteString(q.DateStart.Format("2006-01-02"))
	}
	b.WriteString("|to=")
	if q.DateEnd != nil {
		b.WriteString(q.DateEnd.Format("2006-01-02"))
	}
	return b.String()
}

// AllowsSource reports whether the source passes the query's source restriction.
func (q Query) AllowsSource(name string) bool {
	if len(q.Sources) == 0 {
		return true
	}
	for _, s := range q.Sources {
		if s == name {
			return true
		}
	}
	return false
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", value)
}
