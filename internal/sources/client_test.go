package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/ratelimit"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, auth models.AuthKind, opts ClientOptions) (*Client, *ratelimit.Limiter) {
	t.Helper()
	desc := models.SourceDescriptor{
		Name:          "test",
		BaseURL:       baseURL,
		Auth:          auth,
		HasCredential: opts.Credential != "",
		RatePerMinute: 600,
		Burst:         100,
		Priority:      1,
		Enabled:       true,
	}
	limiter := ratelimit.New()
	limiter.Configure(desc.Name, desc.RatePerMinute, desc.Burst)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewClient(desc, opts, limiter, logger), limiter
}

func TestClient_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("q"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"ok"}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{})

	var out struct {
		Name string `json:"name"`
	}
	err := client.GetJSON(context.Background(), "/items", map[string][]string{"q": {"abc"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Name)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   models.SourceStatus
	}{
		{"unauthorized", http.StatusUnauthorized, "", models.StatusAuthRequired},
		{"forbidden", http.StatusForbidden, "", models.StatusAuthRequired},
		{"bad request", http.StatusBadRequest, "", models.StatusBadRequest},
		{"not found", http.StatusNotFound, "", models.StatusBadRequest},
		{"method not allowed", http.StatusMethodNotAllowed, "", models.StatusBadRequest},
		{"unprocessable", http.StatusUnprocessableEntity, "", models.StatusBadRequest},
		{"too many requests", http.StatusTooManyRequests, "", models.StatusRateLimited},
		{"server error", http.StatusInternalServerError, "", models.StatusServerError},
		{"gateway timeout", http.StatusGatewayTimeout, "", models.StatusServerError},
		{"malformed body", http.StatusOK, "{not json", models.StatusServerError},
		{"empty body", http.StatusOK, "", models.StatusServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{BreakerMaxFailures: 100})

			var out map[string]interface{}
			err := client.GetJSON(context.Background(), "/", nil, &out)
			require.Error(t, err)
			f, ok := AsFailure(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, f.Kind)
			assert.Equal(t, "test", f.Source)
		})
	}
}

func TestClient_RetryAfterHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{})

	err := client.GetJSON(context.Background(), "/", nil, nil)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, f.RetryAfter)
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.GetJSON(ctx, "/", nil, nil)
	assert.Equal(t, models.StatusTimeout, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_CancelledBeforeSendReleasesToken(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client, limiter := newTestClient(t, server.URL, models.AuthNone, ClientOptions{})
	limiter.Configure("test", 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.GetJSON(ctx, "/", nil, nil)
	assert.Equal(t, models.StatusTimeout, KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))

	// the single token was handed back
	assert.True(t, limiter.TryAcquire("test").Allowed)
}

func TestClient_LocalRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client, limiter := newTestClient(t, server.URL, models.AuthNone, ClientOptions{})
	limiter.Configure("test", 1, 1)

	require.NoError(t, client.GetJSON(context.Background(), "/", nil, nil))

	err := client.GetJSON(context.Background(), "/", nil, nil)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, models.StatusRateLimited, f.Kind)
	assert.Greater(t, f.RetryAfter, time.Duration(0))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_MissingCredential(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthKey, ClientOptions{})

	err := client.GetJSON(context.Background(), "/", nil, nil)
	assert.Equal(t, models.StatusAuthRequired, KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestClient_CredentialHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("chave-api-dados"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthKey, ClientOptions{
		Credential:       "secret",
		CredentialHeader: "chave-api-dados",
	})
	require.NoError(t, client.GetJSON(context.Background(), "/", nil, nil))
}

func TestClient_BearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthToken, ClientOptions{Credential: "tok"})
	require.NoError(t, client.GetJSON(context.Background(), "/", nil, nil))
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{
		BreakerMaxFailures: 3,
		BreakerOpenTimeout: time.Minute,
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, models.StatusServerError, KindOf(client.GetJSON(context.Background(), "/", nil, nil)))
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))

	err := client.GetJSON(context.Background(), "/", nil, nil)
	assert.Equal(t, models.StatusServerError, KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "open breaker must not reach upstream")
}

func TestClient_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	var calls int32
	var live atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if live.Load() {
			w.Write([]byte(`{}`))
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client, limiter := newTestClient(t, server.URL, models.AuthNone, ClientOptions{
		BreakerMaxFailures: 3,
		BreakerOpenTimeout: time.Minute,
	})
	// Three tokens and no refill to speak of: the live call below only gets
	// through if every cancelled call handed its token back.
	limiter.Configure("test", 1, 3)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(20*time.Millisecond, cancel)
		err := client.GetJSON(ctx, "/", nil, nil)
		timer.Stop()
		cancel()
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, models.StatusTimeout, KindOf(err))
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, gobreaker.StateClosed, client.BreakerState())

	live.Store(true)
	require.NoError(t, client.GetJSON(context.Background(), "/", nil, nil))
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "healthy source must still be reached")
	assert.Equal(t, gobreaker.StateClosed, client.BreakerState())
}

func TestClient_BadRequestsDoNotTripBreaker(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL, models.AuthNone, ClientOptions{BreakerMaxFailures: 2})

	for i := 0; i < 5; i++ {
		assert.Equal(t, models.StatusBadRequest, KindOf(client.GetJSON(context.Background(), "/", nil, nil)))
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestStatusFromHTTP(t *testing.T) {
	assert.Equal(t, models.StatusOK, StatusFromHTTP(200))
	assert.Equal(t, models.StatusOK, StatusFromHTTP(304))
	assert.Equal(t, models.StatusBadRequest, StatusFromHTTP(410))
	assert.Equal(t, models.StatusServerError, StatusFromHTTP(503))
}

func TestPageCursor(t *testing.T) {
	pc, err := ParsePageCursor("", 20)
	require.NoError(t, err)
	assert.Equal(t, PageCursor{Page: 1, Size: 20}, pc)
	assert.Equal(t, "2:20", pc.Next())

	pc, err = ParsePageCursor("3:40", 10)
	require.NoError(t, err)
	assert.Equal(t, PageCursor{Page: 3, Size: 40}, pc, "pinned size wins over the requested one")

	for _, bad := range []string{"x", "0:10", "2:0", "a:b"} {
		_, err := ParsePageCursor(bad, 10)
		assert.Error(t, err, bad)
	}

	off, err := ParseOffset("15")
	require.NoError(t, err)
	assert.Equal(t, 15, off)
	_, err = ParseOffset("-1")
	assert.Error(t, err)
}
