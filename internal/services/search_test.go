package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Ayash-Bera/agregador/internal/cache"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/ranking"
	"github.com/Ayash-Bera/agregador/internal/session"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter serves a fixed result set with offset cursors.
type fakeAdapter struct {
	name     string
	category string
	items    []models.NormalizedResult
	err      error
	delay    time.Duration

	mu    sync.Mutex
	calls int
}

func newFake(name string, n int) *fakeAdapter {
	f := &fakeAdapter{name: name, category: "despesas"}
	for i := 0; i < n; i++ {
		f.items = append(f.items, models.NormalizedResult{
			ID:        models.ResultID(name, strconv.Itoa(i)),
			Source:    name,
			Category:  f.category,
			Title:     fmt.Sprintf("Despesas com educação %d", i),
			Relevance: 1 - float64(i)/float64(n+1),
		})
	}
	return f
}

func (f *fakeAdapter) Descriptor() models.SourceDescriptor {
	return models.SourceDescriptor{Name: f.name, Categories: []string{f.category}, Priority: 1, Enabled: true}
}

func (f *fakeAdapter) Query(ctx context.Context, q models.Query, cursor string, size int) (*sources.Page, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, sources.NewFailure(f.name, models.StatusTimeout, ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}

	offset, _ := strconv.Atoi(cursor)
	end := offset + size
	if end > len(f.items) {
		end = len(f.items)
	}
	return &sources.Page{
		Results:    f.items[offset:end],
		NextCursor: strconv.Itoa(end),
		Exhausted:  end >= len(f.items),
		Total:      len(f.items),
	}, nil
}

func (f *fakeAdapter) Ping(ctx context.Context) error { return nil }

func (f *fakeAdapter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func defaultOptions() SearchOptions {
	return SearchOptions{
		Limits:          models.QueryLimits{Default: 20, Max: 100},
		CacheTTL:        time.Minute,
		RequestTimeout:  2 * time.Second,
		SourceTimeout:   50 * time.Millisecond,
		OverfetchFactor: 2,
		MaxPerSource:    50,
	}
}

func newService(t *testing.T, opts SearchOptions, adapters ...sources.Adapter) *SearchService {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	registry := sources.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	pageCache := cache.New(cache.NewMemoryStore(100, time.Hour), opts.CacheTTL, logger)
	sessions := session.NewManager(session.Options{TTL: time.Minute, MaxSessions: 100}, logger)
	weights := ranking.Weights{Lexical: 0.7, Relevance: 0.3}
	ranker := ranking.NewRanker(ranking.NewWeightedScorer(weights, nil), nil)
	return NewSearchService(registry, pageCache, sessions, ranker, opts, logger)
}

func intPtr(v int) *int { return &v }

func resultIDs(rs []models.NormalizedResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestSearchMergesAndPaginates(t *testing.T) {
	a, b, c := newFake("alfa", 15), newFake("beta", 10), newFake("gama", 5)
	svc := newService(t, defaultOptions(), a, b, c)
	ctx := context.Background()

	first, hit, err := svc.Search(ctx, models.SearchRequest{Query: "despesas educação", Limit: intPtr(20)})
	require.NoError(t, err)
	assert.False(t, hit)
	require.Len(t, first.Results, 20)
	assert.True(t, first.HasMore)
	require.NotNil(t, first.Cursor)
	assert.Equal(t, 30, first.TotalEstimate)
	assert.Equal(t, []string{"alfa", "beta", "gama"}, first.SourcesQueried)
	assert.Equal(t, map[string]models.SourceStatus{
		"alfa": models.StatusOK, "beta": models.StatusOK, "gama": models.StatusOK,
	}, first.SourceStatus)
	for i := 1; i < len(first.Results); i++ {
		assert.GreaterOrEqual(t, first.Results[i-1].Score, first.Results[i].Score)
	}

	second, _, err := svc.Search(ctx, models.SearchRequest{Query: "despesas educação", Limit: intPtr(20), Cursor: *first.Cursor})
	require.NoError(t, err)
	require.Len(t, second.Results, 10)
	assert.False(t, second.HasMore)
	assert.Nil(t, second.Cursor)

	seen := make(map[string]struct{})
	for _, r := range append(first.Results, second.Results...) {
		_, dup := seen[r.ID]
		assert.False(t, dup, "duplicate %s", r.ID)
		seen[r.ID] = struct{}{}
	}
	assert.Len(t, seen, 30)
	assert.LessOrEqual(t, second.Results[0].Score, first.Results[len(first.Results)-1].Score)

	// everything was over-fetched on the first round
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 1, c.Calls())
}

func TestSearchServesRepeatsFromCache(t *testing.T) {
	a, b := newFake("alfa", 30), newFake("beta", 30)
	svc := newService(t, defaultOptions(), a, b)
	ctx := context.Background()
	req := models.SearchRequest{Query: "educação", Limit: intPtr(10)}

	first, hit, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, hit)

	again, hit, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, hit)

	want, _ := json.Marshal(first.Results)
	got, _ := json.Marshal(again.Results)
	assert.Equal(t, string(want), string(got))
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())

	// a consumed cursor still answers from the cache
	req.Cursor = *first.Cursor
	second, _, err := svc.Search(ctx, req)
	require.NoError(t, err)
	replay, hit, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, resultIDs(second.Results), resultIDs(replay.Results))
}

func TestSearchToleratesPartialFailure(t *testing.T) {
	auth := newFake("alfa", 10)
	auth.err = &sources.Failure{Source: "alfa", Kind: models.StatusAuthRequired, StatusCode: 401}
	slow := newFake("beta", 10)
	slow.delay = time.Second
	ok := newFake("gama", 5)

	svc := newService(t, defaultOptions(), auth, slow, ok)
	ctx := context.Background()

	resp, _, err := svc.Search(ctx, models.SearchRequest{Query: "despesas", Limit: intPtr(20)})
	require.NoError(t, err)
	assert.Equal(t, []string{"gama:0", "gama:1", "gama:2", "gama:3", "gama:4"}, resultIDs(resp.Results))
	assert.Equal(t, models.StatusAuthRequired, resp.SourceStatus["alfa"])
	assert.Equal(t, models.StatusTimeout, resp.SourceStatus["beta"])
	assert.Equal(t, models.StatusOK, resp.SourceStatus["gama"])
	assert.Equal(t, []string{"alfa", "beta"}, resp.Degraded())
	assert.True(t, resp.HasMore, "the timed out source is eligible again")
	require.NotNil(t, resp.Cursor)

	// next round: the auth source is not called again, the slow one is
	_, _, err = svc.Search(ctx, models.SearchRequest{Query: "despesas", Limit: intPtr(20), Cursor: *resp.Cursor})
	var failed *AllSourcesFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, models.StatusAuthRequired, failed.Statuses["alfa"])
	assert.Equal(t, models.StatusTimeout, failed.Statuses["beta"])
	assert.Equal(t, 1, auth.Calls())
	assert.Equal(t, 2, slow.Calls())
}

func TestSearchAllSourcesFailedIsNotCached(t *testing.T) {
	a, b := newFake("alfa", 5), newFake("beta", 5)
	a.err = &sources.Failure{Source: "alfa", Kind: models.StatusServerError, StatusCode: 503}
	b.err = &sources.Failure{Source: "beta", Kind: models.StatusBadRequest, StatusCode: 400}
	svc := newService(t, defaultOptions(), a, b)
	req := models.SearchRequest{Query: "educação"}

	for i := 0; i < 2; i++ {
		_, _, err := svc.Search(context.Background(), req)
		var failed *AllSourcesFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, map[string]models.SourceStatus{
			"alfa": models.StatusServerError, "beta": models.StatusBadRequest,
		}, failed.Statuses)
	}
	assert.Equal(t, 2, a.Calls())
	assert.Equal(t, 2, b.Calls())
}

func TestSearchHasMoreUntilEverySourceIsExhausted(t *testing.T) {
	opts := defaultOptions()
	opts.OverfetchFactor = 1
	opts.MaxPerSource = 5
	svc := newService(t, opts, newFake("alfa", 3), newFake("beta", 25))
	ctx := context.Background()

	seen := make(map[string]struct{})
	req := models.SearchRequest{Query: "educação", Limit: intPtr(5)}
	for pages := 0; ; pages++ {
		require.Less(t, pages, 20, "pagination does not terminate")
		resp, _, err := svc.Search(ctx, req)
		require.NoError(t, err)
		for _, r := range resp.Results {
			_, dup := seen[r.ID]
			require.False(t, dup, "duplicate %s", r.ID)
			seen[r.ID] = struct{}{}
		}
		if !resp.HasMore {
			assert.Nil(t, resp.Cursor)
			break
		}
		require.NotNil(t, resp.Cursor)
		req.Cursor = *resp.Cursor
	}
	assert.Len(t, seen, 28)
}

func TestSearchReportsSourcesServedFromBuffer(t *testing.T) {
	opts := defaultOptions()
	opts.OverfetchFactor = 4
	a, b := newFake("alfa", 100), newFake("beta", 100)
	svc := newService(t, opts, a, b)
	ctx := context.Background()

	first, _, err := svc.Search(ctx, models.SearchRequest{Query: "educação", Limit: intPtr(5)})
	require.NoError(t, err)
	require.NotNil(t, first.Cursor)

	// Both sources still buffer a full page, so neither is called again.
	second, _, err := svc.Search(ctx, models.SearchRequest{Query: "educação", Limit: intPtr(5), Cursor: *first.Cursor})
	require.NoError(t, err)
	require.Len(t, second.Results, 5)
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, 1, b.Calls())

	assert.ElementsMatch(t, []string{"alfa", "beta"}, second.SourcesQueried)
	assert.Equal(t, map[string]models.SourceStatus{
		"alfa": models.StatusOK, "beta": models.StatusOK,
	}, second.SourceStatus)
}

func TestSearchRejectsForeignAndMalformedCursors(t *testing.T) {
	svc := newService(t, defaultOptions(), newFake("alfa", 30))
	ctx := context.Background()

	resp, _, err := svc.Search(ctx, models.SearchRequest{Query: "educação", Limit: intPtr(5)})
	require.NoError(t, err)
	require.NotNil(t, resp.Cursor)

	_, _, err = svc.Search(ctx, models.SearchRequest{Query: "saúde", Cursor: *resp.Cursor})
	assert.ErrorIs(t, err, session.ErrCursorMismatch)

	_, _, err = svc.Search(ctx, models.SearchRequest{Query: "educação", Cursor: "not-a-cursor!"})
	assert.ErrorIs(t, err, session.ErrInvalidCursor)
}

func TestSearchValidatesFilters(t *testing.T) {
	svc := newService(t, defaultOptions(), newFake("alfa", 3))
	ctx := context.Background()

	_, _, err := svc.Search(ctx, models.SearchRequest{Query: "x", APIs: []string{"nope"}})
	assert.ErrorIs(t, err, sources.ErrUnknownSource)

	_, _, err = svc.Search(ctx, models.SearchRequest{Query: "x", Categories: []string{"saude"}})
	assert.ErrorIs(t, err, ErrNoSourcesSelected)

	_, _, err = svc.Search(ctx, models.SearchRequest{Query: "   "})
	assert.ErrorIs(t, err, models.ErrInvalidQuery)
}

func TestSearchClampsLimit(t *testing.T) {
	svc := newService(t, defaultOptions(), newFake("alfa", 200))

	resp, _, err := svc.Search(context.Background(), models.SearchRequest{Query: "educação", Limit: intPtr(1000)})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 100)
}

func TestSearchAbortedByCaller(t *testing.T) {
	slow := newFake("alfa", 5)
	slow.delay = time.Second
	opts := defaultOptions()
	opts.SourceTimeout = time.Second
	svc := newService(t, opts, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, _, err := svc.Search(ctx, models.SearchRequest{Query: "educação"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAllSourcesFailedErrorMessage(t *testing.T) {
	err := &AllSourcesFailedError{Statuses: map[string]models.SourceStatus{
		"senado": models.StatusTimeout, "camara": models.StatusServerError,
	}}
	assert.Equal(t, "all sources failed: camara=server_error, senado=timeout", err.Error())
}
