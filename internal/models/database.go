package models

// GORM models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StringArray for PostgreSQL array support
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}
	return fmt.Sprintf("{%s}", strings.Join(s, ",")), nil
}

func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		v = strings.Trim(v, "{}")
		if v == "" {
			*s = StringArray{}
			return nil
		}
		*s = StringArray(strings.Split(v, ","))
	case []byte:
		return s.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}
	return nil
}

// Base model with common fields
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchQuery is one served search page, kept for analytics.
type SearchQuery struct {
	BaseModel
	QueryText       string      `json:"query_text" gorm:"not null"`
	SessionID       string      `json:"session_id" gorm:"index"`
	UserSession     string      `json:"user_session"`
	ResultsCount    int         `json:"results_count" gorm:"default:0"`
	CacheHit        bool        `json:"cache_hit"`
	DegradedSources StringArray `json:"degraded_sources" gorm:"type:text[]"`
	Failed          bool        `json:"failed"`
	SearchTimestamp time.Time   `json:"search_timestamp" gorm:"default:NOW()"`
	ResponseTimeMs  int         `json:"response_time_ms"`
	UserAgent       string      `json:"user_agent"`
	IPAddress       string      `json:"ip_address"`
}

// PopularQuery represents frequently searched terms
type PopularQuery struct {
	BaseModel
	QueryText         string    `json:"query_text" gorm:"unique;not null"`
	SearchCount       int       `json:"search_count" gorm:"default:1"`
	AvgResultsCount   float64   `json:"avg_results_count" gorm:"type:decimal(7,2);default:0"`
	AvgResponseTimeMs int       `json:"avg_response_time_ms" gorm:"default:0"`
	LastSearched      time.Time `json:"last_searched" gorm:"default:NOW()"`
}

// SourceHealth is the latest observed health of one upstream source.
type SourceHealth struct {
	ID             uint         `json:"id" gorm:"primaryKey"`
	SourceName     string       `json:"source_name" gorm:"uniqueIndex:idx_source_endpoint;not null"`
	Endpoint       string       `json:"endpoint" gorm:"uniqueIndex:idx_source_endpoint;not null"`
	Status         SourceStatus `json:"status" gorm:"not null"`
	StatusCode     int          `json:"status_code"`
	ResponseTimeMs int          `json:"response_time_ms"`
	ErrorMessage   string       `json:"error_message"`
	CheckedAt      time.Time    `json:"checked_at" gorm:"default:NOW()"`
}

// SystemHealth represents infrastructure health monitoring
type SystemHealth struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ServiceName    string    `json:"service_name" gorm:"not null"`
	Status         string    `json:"status" gorm:"not null;check:status IN ('healthy','degraded','unhealthy')"`
	ResponseTimeMs int       `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message"`
	CheckedAt      time.Time `json:"checked_at" gorm:"default:NOW()"`
}

// Database interfaces for repository pattern
type SearchQueryRepository interface {
	Create(query *SearchQuery) error
	GetBySession(sessionID string) ([]SearchQuery, error)
	GetRecentSearches(limit int) ([]SearchQuery, error)
}

type PopularQueryRepository interface {
	IncrementCount(queryText string) error
	GetTop(limit int) ([]PopularQuery, error)
	UpdateStats(queryText string, resultsCount float64, responseTime int) error
}

type SourceHealthRepository interface {
	Upsert(health *SourceHealth) error
	GetBySource(sourceName string) ([]SourceHealth, error)
	GetAll() ([]SourceHealth, error)
}

type SystemHealthRepository interface {
	UpdateServiceHealth(serviceName, status string, responseTime int, errorMsg string) error
	GetAllServicesHealth() ([]SystemHealth, error)
}

// TableName methods for custom table names
func (SearchQuery) TableName() string  { return "search_queries" }
func (PopularQuery) TableName() string { return "popular_queries" }
func (SourceHealth) TableName() string { return "source_health" }
func (SystemHealth) TableName() string { return "system_health" }

// Model validation methods
func (sq *SearchQuery) Validate() error {
	if sq.QueryText == "" {
		return fmt.Errorf("query text is required")
	}
	if sq.ResponseTimeMs < 0 {
		return fmt.Errorf("response time cannot be negative")
	}
	return nil
}

func (sh *SourceHealth) Validate() error {
	if sh.SourceName == "" {
		return fmt.Errorf("source name is required")
	}
	switch sh.Status {
	case StatusOK, StatusTimeout, StatusRateLimited, StatusAuthRequired, StatusBadRequest, StatusServerError:
		return nil
	default:
		return fmt.Errorf("invalid source status: %s", sh.Status)
	}
}

// GORM hooks
func (sq *SearchQuery) BeforeCreate(tx *gorm.DB) error {
	return sq.Validate()
}

func (sh *SourceHealth) BeforeSave(tx *gorm.DB) error {
	return sh.Validate()
}
