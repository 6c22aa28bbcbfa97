package handlers

import (
	"net/http"
	"time"

	"github.com/Ayash-Bera/agregador/internal/health"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/repository"
	"github.com/Ayash-Bera/agregador/internal/services"
	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type HealthHandler struct {
	checker       *health.HealthChecker
	searchService *services.SearchService
	repoManager   *repository.RepositoryManager
	logger        *logrus.Logger
}

// NewHealthHandler builds the health endpoints. repoManager may be nil, in
// which case the history endpoints answer 503.
func NewHealthHandler(
	checker *health.HealthChecker,
	searchService *services.SearchService,
	repoManager *repository.RepositoryManager,
	logger *logrus.Logger,
) *HealthHandler {
	return &HealthHandler{
		checker:       checker,
		searchService: searchService,
		repoManager:   repoManager,
		logger:        logger,
	}
}

// HandleHealth reports the last periodic check, or runs one when none has
// completed yet. An unhealthy system answers 503.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	overall, ok := h.checker.Snapshot()
	if !ok {
		overall = h.checker.CheckAll(c.Request.Context())
	}

	resp := models.HealthResponse{
		Status:    overall.Status,
		Service:   "agregador",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  make(map[string]string, len(overall.Services)),
		Sources:   make(map[string]string, len(overall.Sources)),
		Uptime:    overall.Uptime,
	}
	for _, s := range overall.Services {
		resp.Services[s.Name] = s.Status
	}
	for _, s := range overall.Sources {
		resp.Sources[s.Name] = s.Status
	}

	code := http.StatusOK
	if overall.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	utils.SuccessResponse(c, code, "Health status retrieved", resp)
}

// HandleSources lists every source with its last known health.
func (h *HealthHandler) HandleSources(c *gin.Context) {
	known := make(map[string]string)
	if overall, ok := h.checker.Snapshot(); ok {
		for _, s := range overall.Sources {
			known[s.Name] = s.Status
		}
	}

	descriptors := h.searchService.Sources()
	infos := make([]models.SourceInfo, len(descriptors))
	for i, d := range descriptors {
		infos[i] = models.SourceInfo{SourceDescriptor: d, Health: known[d.Name]}
	}
	utils.SuccessResponse(c, http.StatusOK, "Sources retrieved", infos)
}

// HandleHealthRecords returns the stored health history written by the
// periodic checker and by the endpoint-check command.
func (h *HealthHandler) HandleHealthRecords(c *gin.Context) {
	if h.repoManager == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Health history requires a database", nil)
		return
	}

	servicesHealth, err := h.repoManager.SystemHealth.GetAllServicesHealth()
	if err != nil {
		h.logger.WithError(err).Error("Failed to load service health")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to load health history", err)
		return
	}
	sourcesHealth, err := h.repoManager.SourceHealth.GetAll()
	if err != nil {
		h.logger.WithError(err).Error("Failed to load source health")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to load health history", err)
		return
	}

	records := models.HealthRecords{Services: servicesHealth, Sources: sourcesHealth}
	if records.Services == nil {
		records.Services = []models.SystemHealth{}
	}
	if records.Sources == nil {
		records.Sources = []models.SourceHealth{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Health history retrieved", records)
}

// HandleSourceHealth returns the stored per-endpoint health of one source.
func (h *HealthHandler) HandleSourceHealth(c *gin.Context) {
	name := c.Param("name")
	known := false
	for _, d := range h.searchService.Sources() {
		if d.Name == name {
			known = true
			break
		}
	}
	if !known {
		utils.ErrorResponse(c, http.StatusNotFound, "Unknown source", nil)
		return
	}
	if h.repoManager == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Health history requires a database", nil)
		return
	}

	records, err := h.repoManager.SourceHealth.GetBySource(name)
	if err != nil {
		h.logger.WithError(err).WithField("source", name).Error("Failed to load source health")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to load source health", err)
		return
	}
	if records == nil {
		records = []models.SourceHealth{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Source health retrieved", records)
}

// RegisterRoutes mounts every API endpoint under /api/v1.
func RegisterRoutes(r gin.IRouter, search *SearchHandler, healthHandler *HealthHandler) {
	v1 := r.Group("/api/v1")
	v1.POST("/search", search.HandleSearch)
	v1.GET("/search", search.HandleSearchQuery)
	v1.GET("/search/suggestions", search.HandleSearchSuggestions)
	v1.GET("/search/recent", search.HandleRecentSearches)
	v1.GET("/search/history/:session_id", search.HandleSessionHistory)
	v1.GET("/sources", healthHandler.HandleSources)
	v1.GET("/sources/:name/health", healthHandler.HandleSourceHealth)
	v1.GET("/health", healthHandler.HandleHealth)
	v1.GET("/health/records", healthHandler.HandleHealthRecords)
	v1.DELETE("/cache", search.HandleClearCache)
}
