package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ayash-Bera/agregador/internal/cache"
	"github.com/Ayash-Bera/agregador/internal/config"
	"github.com/Ayash-Bera/agregador/internal/metrics"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/ranking"
	"github.com/Ayash-Bera/agregador/internal/session"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/Ayash-Bera/agregador/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoSourcesSelected is returned when the query's source and category
// filters leave nothing to search.
var ErrNoSourcesSelected = errors.New("no source matches the requested filters")

// AllSourcesFailedError is the only top-level search failure. Statuses holds
// the reason each source failed.
type AllSourcesFailedError struct {
	Statuses map[string]models.SourceStatus
}

func (e *AllSourcesFailedError) Error() string {
	names := make([]string, 0, len(e.Statuses))
	for name := range e.Statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + string(e.Statuses[name])
	}
	return "all sources failed: " + strings.Join(parts, ", ")
}

// SearchOptions are the orchestration knobs read from configuration.
type SearchOptions struct {
	Limits          models.QueryLimits
	CacheTTL        time.Duration
	RequestTimeout  time.Duration
	SourceTimeout   time.Duration
	OverfetchFactor int
	MaxPerSource    int
}

func OptionsFromConfig(cfg *config.Config) SearchOptions {
	return SearchOptions{
		Limits:          cfg.QueryLimits(),
		CacheTTL:        cfg.Search.CacheTTL,
		RequestTimeout:  cfg.Search.RequestTimeout,
		SourceTimeout:   cfg.Search.SourceTimeout,
		OverfetchFactor: cfg.Search.OverfetchFactor,
		MaxPerSource:    cfg.Search.MaxPerSource,
	}
}

// SearchService runs one federated search per request: cache lookup, fan-out
// to the eligible sources, merge, session update and caching.
type SearchService struct {
	registry *sources.Registry
	cache    *cache.Cache
	sessions *session.Manager
	ranker   *ranking.Ranker
	opts     SearchOptions
	now      func() time.Time
	logger   *logrus.Logger
}

func NewSearchService(
	registry *sources.Registry,
	pageCache *cache.Cache,
	sessions *session.Manager,
	ranker *ranking.Ranker,
	opts SearchOptions,
	logger *logrus.Logger,
) *SearchService {
	if opts.OverfetchFactor < 1 {
		opts.OverfetchFactor = 1
	}
	return &SearchService{
		registry: registry,
		cache:    pageCache,
		sessions: sessions,
		ranker:   ranker,
		opts:     opts,
		now:      time.Now,
		logger:   logger,
	}
}

// Sources returns the catalogue of registered sources.
func (s *SearchService) Sources() []models.SourceDescriptor {
	return s.registry.Descriptors()
}

// Search serves one page. The returned response is owned by the caller.
func (s *SearchService) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, bool, error) {
	start := time.Now()

	q, err := models.NewQuery(req, s.opts.Limits)
	if err != nil {
		return nil, false, err
	}
	adapters, err := s.registry.Select(q)
	if err != nil {
		return nil, false, err
	}
	if len(adapters) == 0 {
		return nil, false, ErrNoSourcesSelected
	}
	if q.Cursor != "" {
		if err := session.CheckCursor(q.Cursor, q.Identity()); err != nil {
			return nil, false, err
		}
	}

	key := CacheKey(q)
	entry, hit, err := s.cache.Do(ctx, key, s.opts.CacheTTL, func(ctx context.Context) (*models.CacheEntry, error) {
		return s.compute(ctx, q, adapters)
	})
	elapsed := time.Since(start)
	if err != nil {
		outcome := "error"
		var failed *AllSourcesFailedError
		if errors.As(err, &failed) {
			outcome = "all_failed"
		}
		metrics.RecordSearch(outcome, elapsed.Seconds())
		return nil, false, err
	}

	// Waiters share the entry, so the response is copied before it is stamped.
	resp := entry.Response
	resp.SearchTimeMs = elapsed.Milliseconds()

	outcome := "ok"
	if hit {
		outcome = "cache_hit"
	} else if len(resp.Degraded()) > 0 {
		outcome = "partial"
	}
	metrics.RecordSearch(outcome, elapsed.Seconds())

	s.logger.WithFields(logrus.Fields{
		"query":         q.Text,
		"results_count": len(resp.Results),
		"response_time": resp.SearchTimeMs,
		"cache_hit":     hit,
		"has_more":      resp.HasMore,
		"degraded":      resp.Degraded(),
	}).Info("Search completed")

	return &resp, hit, nil
}

// CacheKey identifies one page: the query identity, the page size and the
// cursor the page continues from.
func CacheKey(q models.Query) string {
	return utils.HashKey(q.Identity(), strconv.Itoa(q.Limit), q.Cursor)
}

type call struct {
	adapter sources.Adapter
	name    string
	cursor  string
}

type outcome struct {
	name    string
	page    *sources.Page
	err     error
	elapsed time.Duration
}

// compute runs on a cache miss, once per key across concurrent callers.
func (s *SearchService) compute(ctx context.Context, q models.Query, adapters []sources.Adapter) (*models.CacheEntry, error) {
	roundCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	sess, err := s.openSession(roundCtx, q)
	if err != nil {
		return nil, err
	}
	defer s.sessions.Release(sess)

	names := make([]string, len(adapters))
	byName := make(map[string]sources.Adapter, len(adapters))
	for i, a := range adapters {
		names[i] = a.Descriptor().Name
		byName[names[i]] = a
	}

	statuses := make(map[string]models.SourceStatus)
	ready, waiting := s.sessions.EligibleSources(sess, names, s.now())
	for _, name := range names {
		if st := sess.State(name); st.Degraded != "" {
			statuses[name] = st.Degraded
		}
	}
	for _, name := range waiting {
		statuses[name] = sess.State(name).LastFailure
	}

	// Sources already holding a full page of pending results sit this round out.
	var calls []call
	var sittingOut []string
	for _, name := range ready {
		if s.sessions.PendingCount(sess, name) >= q.Limit {
			sittingOut = append(sittingOut, name)
			continue
		}
		calls = append(calls, call{adapter: byName[name], name: name, cursor: sess.State(name).Cursor})
	}

	outcomes := s.dispatch(roundCtx, q, calls, s.batchSize(q.Limit))

	// A caller that went away leaves the session as it was.
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}

	now := s.now()
	queried := make([]string, 0, len(outcomes)+len(sittingOut))
	succeeded := 0
	for _, o := range outcomes {
		queried = append(queried, o.name)
		if o.err == nil {
			kept := s.sessions.Dedupe(sess, o.name, o.page.Results)
			s.sessions.Advance(sess, o.name, o.page.NextCursor, o.page.Exhausted, o.page.Total, kept)
			statuses[o.name] = models.StatusOK
			succeeded++
			continue
		}
		failure, ok := sources.AsFailure(o.err)
		if !ok {
			failure = sources.NewFailure(o.name, sources.KindOf(o.err), o.err)
		}
		s.sessions.RecordFailure(sess, o.name, failure, now)
		statuses[o.name] = failure.Kind
	}
	// Their buffered results still feed this page.
	for _, name := range sittingOut {
		queried = append(queried, name)
		statuses[name] = models.StatusOK
	}

	pending := s.sessions.Pending(sess)
	if succeeded == 0 && len(pending) == 0 && len(statuses) > 0 {
		if sess.Seq == 0 {
			s.sessions.Close(sess)
		}
		s.logger.WithField("source_status", statuses).Warn("All sources failed")
		return nil, &AllSourcesFailedError{Statuses: statuses}
	}

	page, _ := s.ranker.Top(q, pending, q.Limit)
	s.sessions.Emit(sess, page)

	resp := models.SearchResponse{
		Results:        page,
		TotalEstimate:  s.sessions.TotalEstimate(sess),
		HasMore:        s.sessions.HasMore(sess, names),
		SourcesQueried: queried,
		SourceStatus:   statuses,
	}
	if resp.Results == nil {
		resp.Results = []models.NormalizedResult{}
	}
	if resp.HasMore {
		next := s.sessions.NextCursor(sess)
		resp.Cursor = &next
	} else {
		s.sessions.Close(sess)
	}

	return &models.CacheEntry{
		Response:  resp,
		StoredAt:  now,
		Transient: len(calls) > 0 && succeeded == 0,
	}, nil
}

func (s *SearchService) openSession(ctx context.Context, q models.Query) (*session.Session, error) {
	if q.Cursor == "" {
		return s.sessions.Create(q.Identity()), nil
	}
	sess, err := s.sessions.Acquire(ctx, q.Cursor, q.Identity())
	if err != nil {
		return nil, fmt.Errorf("failed to resume search: %w", err)
	}
	return sess, nil
}

// dispatch calls every source concurrently and waits for all of them to
// settle. Outcomes keep the order of calls.
func (s *SearchService) dispatch(ctx context.Context, q models.Query, calls []call, size int) []outcome {
	outcomes := make([]outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.opts.SourceTimeout)
			defer cancel()

			started := time.Now()
			page, err := c.adapter.Query(callCtx, q, c.cursor, size)
			if err == nil && page == nil {
				err = sources.NewFailure(c.name, models.StatusServerError, errors.New("adapter returned no page"))
			}
			outcomes[i] = outcome{name: c.name, page: page, err: err, elapsed: time.Since(started)}

			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"source":   c.name,
					"kind":     sources.KindOf(err),
					"duration": outcomes[i].elapsed.Milliseconds(),
				}).Debug("Source call failed")
			}
			// Source failures never cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// batchSize over-fetches so low-scoring sources are not starved on the
// first page.
func (s *SearchService) batchSize(limit int) int {
	size := limit * s.opts.OverfetchFactor
	if s.opts.MaxPerSource > 0 && size > s.opts.MaxPerSource {
		size = s.opts.MaxPerSource
	}
	if size < limit {
		size = limit
	}
	return size
}
