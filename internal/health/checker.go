package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ayash-Bera/agregador/internal/database"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/repository"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
)

// Backends is the part of database.Manager the checker needs.
type Backends interface {
	PingDatabase(ctx context.Context) error
	PingRedis(ctx context.Context) error
}

// HealthChecker manages health checks for the infrastructure and every
// registered source.
type HealthChecker struct {
	backends   Backends
	registry   *sources.Registry
	sourceRepo models.SourceHealthRepository
	healthRepo models.SystemHealthRepository
	timeout    time.Duration
	logger     *logrus.Logger

	mu   sync.RWMutex
	last *OverallHealth
}

// NewHealthChecker builds a checker. repos may be nil, in which case results
// are only kept in memory.
func NewHealthChecker(backends Backends, registry *sources.Registry, repos *repository.RepositoryManager, logger *logrus.Logger) *HealthChecker {
	h := &HealthChecker{
		backends: backends,
		registry: registry,
		timeout:  5 * time.Second,
		logger:   logger,
	}
	if repos != nil {
		h.sourceRepo = repos.SourceHealth
		h.healthRepo = repos.SystemHealth
	}
	return h
}

// ServiceHealth represents the health status of a service
type ServiceHealth struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	ResponseTime int    `json:"response_time_ms"`
	Error        string `json:"error,omitempty"`
	LastChecked  string `json:"last_checked"`
}

// OverallHealth represents the overall system health
type OverallHealth struct {
	Status   string          `json:"status"`
	Services []ServiceHealth `json:"services"`
	Sources  []ServiceHealth `json:"sources"`
	Uptime   string          `json:"uptime"`
}

// CheckPostgreSQL checks PostgreSQL database health
func (h *HealthChecker) CheckPostgreSQL(ctx context.Context) ServiceHealth {
	return h.checkBackend(ctx, "postgresql", h.backends.PingDatabase)
}

// CheckRedis checks Redis cache health
func (h *HealthChecker) CheckRedis(ctx context.Context) ServiceHealth {
	return h.checkBackend(ctx, "redis", h.backends.PingRedis)
}

func (h *HealthChecker) checkBackend(ctx context.Context, name string, ping func(context.Context) error) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := ping(ctx)
	responseTime := int(time.Since(start).Milliseconds())

	status := StatusHealthy
	errorMsg := ""
	switch {
	case errors.Is(err, database.ErrNotConfigured):
		status = StatusDisabled
	case err != nil:
		status = StatusUnhealthy
		errorMsg = err.Error()
		h.logger.WithError(err).WithField("service", name).Error("Health check failed")
	}

	if h.healthRepo != nil && status != StatusDisabled {
		if err := h.healthRepo.UpdateServiceHealth(name, status, responseTime, errorMsg); err != nil {
			h.logger.WithError(err).WithField("service", name).Warn("Failed to record service health")
		}
	}

	return ServiceHealth{
		Name:         name,
		Status:       status,
		ResponseTime: responseTime,
		Error:        errorMsg,
		LastChecked:  time.Now().UTC().Format(time.RFC3339),
	}
}

// CheckSource pings one source. Credential and request-shape rejections mark
// the source degraded; anything else that fails marks it unhealthy.
func (h *HealthChecker) CheckSource(ctx context.Context, adapter sources.Adapter) ServiceHealth {
	name := adapter.Descriptor().Name
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := adapter.Ping(ctx)
	elapsed := time.Since(start)

	kind := sources.KindOf(err)
	status := SourceHealthStatus(kind)
	result := ServiceHealth{
		Name:         name,
		Status:       status,
		ResponseTime: int(elapsed.Milliseconds()),
		LastChecked:  time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		result.Error = string(kind)
	}

	if h.sourceRepo != nil {
		record := &models.SourceHealth{
			SourceName:     name,
			Endpoint:       "ping",
			Status:         kind,
			ResponseTimeMs: result.ResponseTime,
			CheckedAt:      time.Now().UTC(),
		}
		if f, ok := sources.AsFailure(err); ok {
			record.StatusCode = f.StatusCode
			record.ErrorMessage = f.Error()
		}
		if err := h.sourceRepo.Upsert(record); err != nil {
			h.logger.WithError(err).WithField("source", name).Warn("Failed to record source health")
		}
	}

	return result
}

// SourceHealthStatus maps a source status to a health status.
func SourceHealthStatus(kind models.SourceStatus) string {
	switch kind {
	case models.StatusOK:
		return StatusHealthy
	case models.StatusAuthRequired, models.StatusBadRequest, models.StatusRateLimited:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// CheckAll performs health checks on all services and sources. Sources are
// pinged concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) OverallHealth {
	services := []ServiceHealth{
		h.CheckPostgreSQL(ctx),
		h.CheckRedis(ctx),
	}

	var adapters []sources.Adapter
	for _, name := range h.registry.Names() {
		if a, ok := h.registry.Get(name); ok && a.Descriptor().Enabled {
			adapters = append(adapters, a)
		}
	}
	sourceHealth := make([]ServiceHealth, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			sourceHealth[i] = h.CheckSource(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	overall := OverallHealth{
		Status:   overallStatus(services, sourceHealth),
		Services: services,
		Sources:  sourceHealth,
		Uptime:   h.getUptime(),
	}

	h.mu.Lock()
	h.last = &overall
	h.mu.Unlock()

	return overall
}

// overallStatus: broken infrastructure or no usable source is unhealthy;
// any source not fully healthy is degraded.
func overallStatus(services, sourceHealth []ServiceHealth) string {
	for _, s := range services {
		if s.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}
	usable := 0
	status := StatusHealthy
	for _, s := range sourceHealth {
		if s.Status != StatusUnhealthy {
			usable++
		}
		if s.Status != StatusHealthy {
			status = StatusDegraded
		}
	}
	if len(sourceHealth) > 0 && usable == 0 {
		return StatusUnhealthy
	}
	return status
}

// Snapshot returns the last completed check, if any.
func (h *HealthChecker) Snapshot() (OverallHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return OverallHealth{}, false
	}
	snapshot := *h.last
	snapshot.Uptime = h.getUptime()
	return snapshot, true
}

var startTime = time.Now()

func (h *HealthChecker) getUptime() string {
	return time.Since(startTime).Round(time.Second).String()
}

// PeriodicHealthCheck runs health checks immediately and then every interval
// until ctx is done.
func (h *HealthChecker) PeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		health := h.CheckAll(ctx)
		h.logger.WithField("status", health.Status).Debug("Periodic health check completed")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
