package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ayash-Bera/agregador/internal/cache"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/repository"
	"github.com/Ayash-Bera/agregador/internal/services"
	"github.com/Ayash-Bera/agregador/internal/session"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type SearchHandler struct {
	searchService *services.SearchService
	repoManager   *repository.RepositoryManager
	pageCache     *cache.Cache
	adminToken    string
	logger        *logrus.Logger
}

// NewSearchHandler builds the search endpoints. repoManager may be nil when
// no database is configured.
func NewSearchHandler(
	searchService *services.SearchService,
	repoManager *repository.RepositoryManager,
	pageCache *cache.Cache,
	adminToken string,
	logger *logrus.Logger,
) *SearchHandler {
	return &SearchHandler{
		searchService: searchService,
		repoManager:   repoManager,
		pageCache:     pageCache,
		adminToken:    adminToken,
		logger:        logger,
	}
}

// HandleSearch serves POST /search with a JSON body.
func (h *SearchHandler) HandleSearch(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	h.search(c, req)
}

// HandleSearchQuery serves GET /search with query-string parameters. List
// parameters may repeat or be comma separated.
func (h *SearchHandler) HandleSearchQuery(c *gin.Context) {
	var req models.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	req.APIs = splitList(req.APIs)
	req.Categories = splitList(req.Categories)
	h.search(c, req)
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (h *SearchHandler) search(c *gin.Context, req models.SearchRequest) {
	startTime := time.Now()

	h.logger.WithFields(logrus.Fields{
		"query":      req.Query,
		"apis":       req.APIs,
		"has_cursor": req.Cursor != "",
		"ip_address": c.ClientIP(),
		"request_id": c.GetString("request_id"),
	}).Info("Processing search request")

	resp, hit, err := h.searchService.Search(c.Request.Context(), req)
	elapsed := time.Since(startTime)

	visit := searchVisit{
		query:       strings.TrimSpace(req.Query),
		userSession: h.getUserSession(c),
		userAgent:   c.GetHeader("User-Agent"),
		ip:          c.ClientIP(),
		elapsed:     elapsed,
		sessionID:   sessionOf(req.Cursor),
	}

	if err != nil {
		code, message := statusFor(err)
		if code >= http.StatusInternalServerError {
			h.logger.WithError(err).Error("Search failed")
		}
		var failed *services.AllSourcesFailedError
		if errors.As(err, &failed) {
			visit.failed = true
			visit.degraded = degradedNames(failed.Statuses)
			go h.trackSearchQuery(visit)
			utils.ErrorResponseWithData(c, code, message, err, gin.H{"source_status": failed.Statuses})
			return
		}
		utils.ErrorResponse(c, code, message, err)
		return
	}

	visit.results = len(resp.Results)
	visit.cacheHit = hit
	visit.degraded = resp.Degraded()
	if resp.Cursor != nil {
		visit.sessionID = sessionOf(*resp.Cursor)
	}
	go h.trackSearchQuery(visit)
	go h.updatePopularQueries(visit)

	utils.SuccessResponse(c, http.StatusOK, "Search completed", resp)
}

// statusFor maps search errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var failed *services.AllSourcesFailedError
	switch {
	case errors.Is(err, models.ErrInvalidQuery), errors.Is(err, models.ErrInvalidDateRange):
		return http.StatusBadRequest, "Invalid search request"
	case errors.Is(err, sources.ErrUnknownSource), errors.Is(err, services.ErrNoSourcesSelected):
		return http.StatusBadRequest, "Invalid source selection"
	case errors.Is(err, session.ErrInvalidCursor), errors.Is(err, session.ErrCursorMismatch):
		return http.StatusBadRequest, "Invalid cursor"
	case errors.Is(err, session.ErrCursorConsumed):
		return http.StatusConflict, "Cursor already consumed"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusGone, "Search session expired"
	case errors.As(err, &failed):
		return http.StatusBadGateway, "All sources failed"
	default:
		return http.StatusInternalServerError, "Search failed"
	}
}

// HandleSearchSuggestions returns popular past queries containing q.
func (h *SearchHandler) HandleSearchSuggestions(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		utils.ErrorResponse(c, http.StatusBadRequest, "Query parameter 'q' is required", nil)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	if limit < 1 || limit > 10 {
		limit = 10
	}

	filtered := make([]models.PopularQuery, 0)
	if h.repoManager == nil {
		utils.SuccessResponse(c, http.StatusOK, "Suggestions retrieved", filtered)
		return
	}

	suggestions, err := h.repoManager.PopularQuery.GetTop(limit * 5)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get search suggestions")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get suggestions", err)
		return
	}

	needle := utils.Fold(query)
	for _, suggestion := range suggestions {
		if strings.Contains(utils.Fold(suggestion.QueryText), needle) {
			filtered = append(filtered, suggestion)
			if len(filtered) == limit {
				break
			}
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Suggestions retrieved", filtered)
}

// HandleRecentSearches lists the latest served searches, newest first. The
// records carry client addresses, so it requires the admin token.
func (h *SearchHandler) HandleRecentSearches(c *gin.Context) {
	if !h.authorized(c) {
		utils.ErrorResponse(c, http.StatusForbidden, "Forbidden", nil)
		return
	}
	if h.repoManager == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Search history requires a database", nil)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	queries, err := h.repoManager.SearchQuery.GetRecentSearches(limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get recent searches")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get recent searches", err)
		return
	}
	if queries == nil {
		queries = []models.SearchQuery{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Recent searches retrieved", queries)
}

// HandleSessionHistory lists every page served for one search session, in
// the order they were served. It requires the admin token.
func (h *SearchHandler) HandleSessionHistory(c *gin.Context) {
	if !h.authorized(c) {
		utils.ErrorResponse(c, http.StatusForbidden, "Forbidden", nil)
		return
	}
	if h.repoManager == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Search history requires a database", nil)
		return
	}

	queries, err := h.repoManager.SearchQuery.GetBySession(c.Param("session_id"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to get session history")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get session history", err)
		return
	}
	if len(queries) == 0 {
		utils.ErrorResponse(c, http.StatusNotFound, "Session not found", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Session history retrieved", queries)
}

// HandleClearCache drops every cached page. It requires the admin token.
func (h *SearchHandler) HandleClearCache(c *gin.Context) {
	if !h.authorized(c) {
		utils.ErrorResponse(c, http.StatusForbidden, "Forbidden", nil)
		return
	}

	if err := h.pageCache.Clear(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("Failed to clear cache")
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to clear cache", err)
		return
	}

	h.logger.WithField("store", h.pageCache.StoreName()).Info("Page cache cleared")
	utils.SuccessResponse(c, http.StatusOK, "Cache cleared", nil)
}

// Helper methods

func (h *SearchHandler) authorized(c *gin.Context) bool {
	token := c.GetHeader("X-Admin-Token")
	return h.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

type searchVisit struct {
	query       string
	userSession string
	sessionID   string
	userAgent   string
	ip          string
	results     int
	cacheHit    bool
	failed      bool
	degraded    []string
	elapsed     time.Duration
}

func (h *SearchHandler) getUserSession(c *gin.Context) string {
	if session := c.GetHeader("X-Session-ID"); session != "" {
		return session
	}
	return utils.HashKey(c.ClientIP(), c.GetHeader("User-Agent"))[:16]
}

func sessionOf(cursor string) string {
	if cursor == "" {
		return ""
	}
	sid, _, err := session.DecodeCursor(cursor)
	if err != nil {
		return ""
	}
	return sid
}

func degradedNames(statuses map[string]models.SourceStatus) []string {
	resp := models.SearchResponse{SourceStatus: statuses}
	return resp.Degraded()
}

func (h *SearchHandler) trackSearchQuery(v searchVisit) {
	if h.repoManager == nil || v.query == "" {
		return
	}

	searchQuery := &models.SearchQuery{
		QueryText:       v.query,
		SessionID:       v.sessionID,
		UserSession:     v.userSession,
		ResultsCount:    v.results,
		CacheHit:        v.cacheHit,
		DegradedSources: models.StringArray(v.degraded),
		Failed:          v.failed,
		SearchTimestamp: time.Now(),
		ResponseTimeMs:  int(v.elapsed.Milliseconds()),
		UserAgent:       v.userAgent,
		IPAddress:       v.ip,
	}

	if err := h.repoManager.SearchQuery.Create(searchQuery); err != nil {
		h.logger.WithError(err).Error("Failed to track search query")
	}
}

func (h *SearchHandler) updatePopularQueries(v searchVisit) {
	if h.repoManager == nil || v.query == "" {
		return
	}
	query := strings.ToLower(v.query)

	if err := h.repoManager.PopularQuery.IncrementCount(query); err != nil {
		h.logger.WithError(err).Error("Failed to update popular queries")
		return
	}

	if err := h.repoManager.PopularQuery.UpdateStats(query, float64(v.results), int(v.elapsed.Milliseconds())); err != nil {
		h.logger.WithError(err).Error("Failed to update query stats")
	}
}
