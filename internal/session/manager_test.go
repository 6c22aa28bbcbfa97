package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const identity = "despesas educacao|apis=|categories=|from=|to="

func newManager() *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(Options{
		TTL:            time.Minute,
		MaxSessions:    100,
		BackoffInitial: time.Second,
		BackoffMax:     8 * time.Second,
		MaxFailures:    3,
	}, logger)
}

func results(source string, from, n int) []models.NormalizedResult {
	out := make([]models.NormalizedResult, n)
	for i := range out {
		out[i] = models.NormalizedResult{ID: models.ResultID(source, fmt.Sprint(from+i)), Source: source}
	}
	return out
}

func TestCursorRoundTrip(t *testing.T) {
	c := EncodeCursor("abc-123", 4)
	sid, seq, err := DecodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", sid)
	assert.Equal(t, 4, seq)

	for _, bad := range []string{"", "%%%", "bm90IGpzb24", EncodeCursor("", 1), EncodeCursor("x", 0)} {
		_, _, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestAcquireChecksIdentityAndSequence(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	s := m.Create(identity)
	m.Emit(s, nil)
	cursor := m.NextCursor(s)
	m.Release(s)

	_, err := m.Acquire(ctx, cursor, "other query|apis=|categories=|from=|to=")
	assert.ErrorIs(t, err, ErrCursorMismatch)

	got, err := m.Acquire(ctx, cursor, identity)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	m.Emit(got, nil)
	m.Release(got)

	_, err = m.Acquire(ctx, cursor, identity)
	assert.ErrorIs(t, err, ErrCursorConsumed)

	_, err = m.Acquire(ctx, EncodeCursor(s.ID, 9), identity)
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = m.Acquire(ctx, EncodeCursor(newSessionID(identity), 1), identity)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcquireAfterClose(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	m.Emit(s, nil)
	cursor := m.NextCursor(s)
	m.Close(s)
	m.Release(s)

	_, err := m.Acquire(context.Background(), cursor, identity)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, m.Len())
}

func TestAcquireSerializesAndHonorsContext(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	m.Emit(s, nil)
	cursor := m.NextCursor(s)
	// s is still held by the creator

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, cursor, identity)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	var acquired *Session
	go func() {
		defer wg.Done()
		acquired, err = m.Acquire(context.Background(), cursor, identity)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Release(s)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, s.ID, acquired.ID)
	m.Release(acquired)
}

func TestDedupeAdvanceEmit(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	defer m.Release(s)

	batch := results("camara", 1, 5)
	batch = append(batch, batch[0]) // repeat inside the batch
	kept := m.Dedupe(s, "camara", batch)
	require.Len(t, kept, 5)
	m.Advance(s, "camara", "next-1", false, 12, kept)

	assert.Len(t, m.Pending(s), 5)

	m.Emit(s, kept[:3])
	assert.Equal(t, 1, s.Seq)
	assert.Len(t, m.Pending(s), 2)

	// an overlapping upstream page: ids 4..8, where 4 and 5 are pending and
	// nothing emitted may come back
	overlap := m.Dedupe(s, "camara", results("camara", 3, 6))
	ids := make([]string, len(overlap))
	for i, r := range overlap {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"camara:6", "camara:7", "camara:8"}, ids)

	assert.Equal(t, 12, m.TotalEstimate(s))
}

func TestAdvanceIsMonotonic(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	defer m.Release(s)

	m.Advance(s, "ibge", "", true, 3, results("ibge", 1, 3))
	m.Advance(s, "ibge", "2:10", false, 3, nil)

	st := s.State("ibge")
	assert.True(t, st.Exhausted, "an exhausted source never comes back")
	assert.Empty(t, st.Cursor)
}

func TestEligibleSourcesAndFailurePolicy(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	defer m.Release(s)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	all := []string{"camara", "ibge", "senado", "transparencia"}

	m.RecordFailure(s, "transparencia", &sources.Failure{Kind: models.StatusAuthRequired}, now)
	m.RecordFailure(s, "senado", &sources.Failure{Kind: models.StatusServerError}, now)
	m.RecordFailure(s, "camara", &sources.Failure{Kind: models.StatusTimeout}, now)
	m.Advance(s, "ibge", "", true, 0, nil)

	ready, waiting := m.EligibleSources(s, all, now)
	assert.Equal(t, []string{"camara"}, ready, "timeouts are eligible again next round")
	assert.Equal(t, []string{"senado"}, waiting)
	assert.True(t, m.HasMore(s, all))

	ready, _ = m.EligibleSources(s, all, now.Add(time.Second))
	assert.Equal(t, []string{"camara", "senado"}, ready)

	// server error backoff doubles
	m.RecordFailure(s, "senado", &sources.Failure{Kind: models.StatusServerError}, now)
	assert.Equal(t, now.Add(2*time.Second), s.State("senado").RetryAt)

	m.RecordFailure(s, "camara", &sources.Failure{Kind: models.StatusRateLimited, RetryAfter: 5 * time.Second}, now)
	assert.Equal(t, now.Add(5*time.Second), s.State("camara").RetryAt)

	// success resets the failure streak
	m.Advance(s, "camara", "c2", false, -1, nil)
	assert.Zero(t, s.State("camara").ConsecutiveFailures)
	assert.True(t, s.State("camara").RetryAt.IsZero())
}

func TestRepeatedFailuresDegradeSource(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	defer m.Release(s)
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.RecordFailure(s, "senado", &sources.Failure{Kind: models.StatusServerError}, now)
	}
	assert.Equal(t, models.StatusServerError, s.State("senado").Degraded)
	assert.False(t, m.HasMore(s, []string{"senado"}))
}

func TestHasMore(t *testing.T) {
	m := newManager()
	s := m.Create(identity)
	defer m.Release(s)
	all := []string{"camara", "ibge"}

	assert.True(t, m.HasMore(s, all), "untouched sources may have results")

	m.Advance(s, "camara", "", true, 2, results("camara", 1, 2))
	m.Advance(s, "ibge", "", true, 0, nil)
	assert.True(t, m.HasMore(s, all), "pending results remain")

	m.Emit(s, m.Pending(s))
	assert.False(t, m.HasMore(s, all))
}
