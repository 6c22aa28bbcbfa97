// Package session tracks the pagination state behind a search cursor: each
// source's native cursor, what was already emitted, and what was fetched but
// not yet shown.
package session

import (
	"context"
	"sort"
	"time"

	"github.com/Ayash-Bera/agregador/internal/metrics"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// SourceState is the per-source pagination position inside one session.
type SourceState struct {
	Cursor       string
	Exhausted    bool
	Total        int
	EmittedCount int
	// Degraded is set when the source must not be called again in this
	// session (missing credential, rejected request shape, or too many
	// consecutive upstream failures).
	Degraded            models.SourceStatus
	ConsecutiveFailures int
	RetryAt             time.Time
	// LastFailure is the kind of the most recent failure, cleared on success.
	LastFailure models.SourceStatus

	emitted map[string]struct{}
	pending []models.NormalizedResult
	backoff *backoff.ExponentialBackOff
}

// Session is the continuation state of one query identity. A session is
// single-writer: callers obtain it through Create or Acquire and hand it back
// with Release.
type Session struct {
	ID       string
	Identity string
	// Seq is the number of pages emitted so far. The cursor for the next page
	// carries Seq.
	Seq int

	lock    chan struct{}
	sources map[string]*SourceState
	closed  bool
}

func newSession(identity string) *Session {
	return &Session{
		ID:       newSessionID(identity),
		Identity: identity,
		lock:     make(chan struct{}, 1),
		sources:  make(map[string]*SourceState),
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.lock }

// State returns the state for source, creating it on first use.
func (s *Session) State(source string) *SourceState {
	st, ok := s.sources[source]
	if !ok {
		st = &SourceState{Total: -1, emitted: make(map[string]struct{})}
		s.sources[source] = st
	}
	return st
}

// Options tunes a Manager.
type Options struct {
	TTL            time.Duration
	MaxSessions    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxFailures is how many consecutive retryable failures degrade a
	// source for the rest of the session.
	MaxFailures int
}

// Manager owns every live session. Sessions idle for longer than the TTL
// are garbage collected.
type Manager struct {
	sessions *expirable.LRU[string, *Session]
	opts     Options
	logger   *logrus.Logger
}

func NewManager(opts Options, logger *logrus.Logger) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10000
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &Manager{
		sessions: expirable.NewLRU[string, *Session](opts.MaxSessions, nil, opts.TTL),
		opts:     opts,
		logger:   logger,
	}
}

// Create starts a fresh session for identity. The session is returned held.
func (m *Manager) Create(identity string) *Session {
	s := newSession(identity)
	s.lock <- struct{}{}
	m.sessions.Add(s.ID, s)
	metrics.ActiveSessions.Set(float64(m.sessions.Len()))
	return s
}

// Acquire resolves a client cursor to its session and holds it. Concurrent
// callers for the same session wait their turn. The cursor must belong to
// identity and must point at the session's next page.
func (m *Manager) Acquire(ctx context.Context, cursor, identity string) (*Session, error) {
	sid, seq, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if !belongsTo(sid, identity) {
		return nil, ErrCursorMismatch
	}

	s, ok := m.sessions.Get(sid)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	switch {
	case s.closed:
		s.release()
		return nil, ErrSessionNotFound
	case seq < s.Seq:
		s.release()
		return nil, ErrCursorConsumed
	case seq > s.Seq:
		s.release()
		return nil, ErrInvalidCursor
	}
	return s, nil
}

// Release hands a held session back and refreshes its idle timer.
func (m *Manager) Release(s *Session) {
	if !s.closed {
		m.sessions.Add(s.ID, s)
	}
	s.release()
}

// Close drops a session. The caller must hold it.
func (m *Manager) Close(s *Session) {
	s.closed = true
	m.sessions.Remove(s.ID)
	metrics.ActiveSessions.Set(float64(m.sessions.Len()))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int { return m.sessions.Len() }

// EligibleSources filters candidates down to the sources that may still be
// called in this session: not exhausted, not degraded. Sources whose retry
// window has not opened yet are returned separately as waiting; they still
// count towards HasMore.
func (m *Manager) EligibleSources(s *Session, candidates []string, now time.Time) (ready, waiting []string) {
	for _, name := range candidates {
		st := s.State(name)
		if st.Exhausted || st.Degraded != "" {
			continue
		}
		if now.Before(st.RetryAt) {
			waiting = append(waiting, name)
			continue
		}
		ready = append(ready, name)
	}
	return ready, waiting
}

// Dedupe drops candidates already emitted or already pending for source, as
// well as repeats within the batch.
func (m *Manager) Dedupe(s *Session, source string, candidates []models.NormalizedResult) []models.NormalizedResult {
	st := s.State(source)
	seen := make(map[string]struct{}, len(st.pending)+len(candidates))
	for _, r := range st.pending {
		seen[r.ID] = struct{}{}
	}
	out := candidates[:0:0]
	for _, r := range candidates {
		if _, done := st.emitted[r.ID]; done {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Advance records a successful call: the new native cursor, exhaustion, the
// upstream total and the deduplicated results, which join the pending pool.
// Once a source is exhausted it stays exhausted.
func (m *Manager) Advance(s *Session, source, newCursor string, exhausted bool, total int, results []models.NormalizedResult) {
	st := s.State(source)
	if !st.Exhausted {
		st.Cursor = newCursor
		st.Exhausted = exhausted
	}
	if total >= 0 {
		st.Total = total
	}
	st.pending = append(st.pending, results...)
	st.ConsecutiveFailures = 0
	st.RetryAt = time.Time{}
	st.LastFailure = ""
	if st.backoff != nil {
		st.backoff.Reset()
	}
}

// RecordFailure applies the failure policy for one source.
func (m *Manager) RecordFailure(s *Session, source string, failure *sources.Failure, now time.Time) {
	st := s.State(source)
	st.LastFailure = failure.Kind
	switch failure.Kind {
	case models.StatusAuthRequired, models.StatusBadRequest:
		st.Degraded = failure.Kind
		return
	case models.StatusRateLimited:
		st.RetryAt = now.Add(failure.RetryAfter)
	case models.StatusServerError:
		if st.backoff == nil {
			st.backoff = m.newBackoff()
		}
		st.RetryAt = now.Add(st.backoff.NextBackOff())
	}

	st.ConsecutiveFailures++
	if st.ConsecutiveFailures >= m.opts.MaxFailures {
		st.Degraded = failure.Kind
		m.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"source":  source,
			"kind":    failure.Kind,
		}).Info("Source degraded for session after repeated failures")
	}
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.BackoffInitial
	b.MaxInterval = m.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Pending returns every fetched-but-unemitted result, in source then
// arrival order.
func (m *Manager) Pending(s *Session) []models.NormalizedResult {
	var out []models.NormalizedResult
	for _, name := range s.sourceNames() {
		out = append(out, s.sources[name].pending...)
	}
	return out
}

// PendingCount returns the number of pending results held for source.
func (m *Manager) PendingCount(s *Session, source string) int {
	return len(s.State(source).pending)
}

// Emit marks results as shown: they leave the pending pool, join the
// emitted set, and the session moves to its next page.
func (m *Manager) Emit(s *Session, results []models.NormalizedResult) {
	shown := make(map[string]struct{}, len(results))
	for _, r := range results {
		shown[r.ID] = struct{}{}
		st := s.State(r.Source)
		st.emitted[r.ID] = struct{}{}
		st.EmittedCount++
	}
	for _, st := range s.sources {
		kept := st.pending[:0]
		for _, r := range st.pending {
			if _, ok := shown[r.ID]; !ok {
				kept = append(kept, r)
			}
		}
		st.pending = kept
	}
	s.Seq++
}

// HasMore reports whether a further page could yield results: something is
// pending, or some source among candidates is neither exhausted nor degraded.
func (m *Manager) HasMore(s *Session, candidates []string) bool {
	for _, st := range s.sources {
		if len(st.pending) > 0 {
			return true
		}
	}
	for _, name := range candidates {
		st := s.State(name)
		if !st.Exhausted && st.Degraded == "" {
			return true
		}
	}
	return false
}

// TotalEstimate sums, per source, the larger of the upstream total and what
// the session has already seen.
func (m *Manager) TotalEstimate(s *Session) int {
	total := 0
	for _, st := range s.sources {
		seen := st.EmittedCount + len(st.pending)
		if st.Total > seen {
			total += st.Total
		} else {
			total += seen
		}
	}
	return total
}

// NextCursor is the client token for the session's next page.
func (m *Manager) NextCursor(s *Session) string {
	return EncodeCursor(s.ID, s.Seq)
}

func (s *Session) sourceNames() []string {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
