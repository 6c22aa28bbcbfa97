package sources

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
)

// Failure is the only error type adapters return. Kind is one of the
// non-ok source statuses.
type Failure struct {
	Source     string
	Kind       models.SourceStatus
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("source %s: %s", f.Source, f.Kind)
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", f.StatusCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf maps any error to a source status. Errors that are not failures are
// classified the same way the HTTP client does it.
func KindOf(err error) models.SourceStatus {
	if err == nil {
		return models.StatusOK
	}
	if f, ok := AsFailure(err); ok {
		return f.Kind
	}
	return classifyError(err)
}

// NewFailure wraps err as a failure of the given kind.
func NewFailure(source string, kind models.SourceStatus, err error) *Failure {
	return &Failure{Source: source, Kind: kind, Err: err}
}

// StatusFromHTTP maps an upstream HTTP status to the failure taxonomy.
// 2xx and 3xx map to ok.
func StatusFromHTTP(code int) models.SourceStatus {
	switch {
	case code < 400:
		return models.StatusOK
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return models.StatusAuthRequired
	case code == http.StatusTooManyRequests:
		return models.StatusRateLimited
	case code >= 500:
		return models.StatusServerError
	default:
		// 400, 404, 405, 422 and the rest of 4xx: the translated request shape
		// was rejected.
		return models.StatusBadRequest
	}
}

func classifyError(err error) models.SourceStatus {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.StatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.StatusTimeout
	}
	return models.StatusServerError
}

// Retryable reports whether a failure kind may succeed on a later round.
func Retryable(kind models.SourceStatus) bool {
	switch kind {
	case models.StatusTimeout, models.StatusRateLimited, models.StatusServerError:
		return true
	default:
		return false
	}
}
