package models

import (
	"sort"
	"time"
)

type SearchRequest struct {
	Query      string   `json:"query" form:"query" binding:"required"`
	APIs       []string `json:"apis" form:"apis"`
	Categories []string `json:"categories" form:"categories"`
	DateStart  string   `json:"date_start" form:"date_start"`
	DateEnd    string   `json:"date_end" form:"date_end"`
	Cursor     string   `json:"cursor" form:"cursor"`
	Limit      *int     `json:"limit" form:"limit"`
}

type SearchResponse struct {
	Results        []NormalizedResult      `json:"results"`
	TotalEstimate  int                     `json:"total_estimate"`
	Cursor         *string                 `json:"cursor"`
	HasMore        bool                    `json:"has_more"`
	SourcesQueried []string                `json:"sources_queried"`
	SourceStatus   map[string]SourceStatus `json:"source_status"`
	SearchTimeMs   int64                   `json:"search_time_ms"`
}

// Degraded lists the sources whose status is not ok, in name order.
func (r *SearchResponse) Degraded() []string {
	var degraded []string
	for name, status := range r.SourceStatus {
		if status != StatusOK {
			degraded = append(degraded, name)
		}
	}
	sort.Strings(degraded)
	return degraded
}

// CacheEntry is a merged page as stored in the cache.
type CacheEntry struct {
	Response SearchResponse `json:"response"`
	StoredAt time.Time      `json:"stored_at"`
	// Transient entries are handed to waiting callers but never stored.
	Transient bool `json:"-"`
}

type SourceInfo struct {
	SourceDescriptor
	Health string `json:"health,omitempty"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Sources   map[string]string `json:"sources"`
	Uptime    string            `json:"uptime"`
}

// HealthRecords is the persisted health history: the latest check of each
// infrastructure service and of each source endpoint.
type HealthRecords struct {
	Services []SystemHealth `json:"services"`
	Sources  []SourceHealth `json:"sources"`
}
