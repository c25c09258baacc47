package analytics

import (
	"context"
	"time"

	domsvc "FinGate/internal/domain/service"
	"FinGate/pkg/config"
	xhttp "FinGate/pkg/http"
)

// ErrInsufficientData is returned when a collaborator answers without the fields we need.
var ErrInsufficientData = domsvc.ErrInsufficientData

// HTTPServiceBase is the transport shared by the analytics clients. Idempotent
// calls (scoring, classification, debate) go through a retrying client; calls
// with side effects use one that sends exactly once.
type HTTPServiceBase struct {
	retrying *xhttp.Client
	once     *xhttp.Client
}

func NewHTTPServiceBase(cfg config.AnalyticsConfig) *HTTPServiceBase {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	base := []xhttp.ClientOption{
		xhttp.WithBaseURL(cfg.ServiceURL),
		xhttp.WithTimeout(timeout),
	}
	return &HTTPServiceBase{
		retrying: xhttp.NewClient(append(base, xhttp.WithRetry(cfg.Retries, backoff))...),
		once:     xhttp.NewClient(base...),
	}
}

// PostJSON sends once; use it for calls that must not be repeated.
func (b *HTTPServiceBase) PostJSON(ctx context.Context, path string, payload, dest interface{}) error {
	return b.once.PostJSON(ctx, path, payload, dest)
}

// PostJSONWithRetry retries transport failures, 5xx and 429. Other client errors fail at once.
func (b *HTTPServiceBase) PostJSONWithRetry(ctx context.Context, path string, payload, dest interface{}) error {
	return b.retrying.PostJSON(ctx, path, payload, dest)
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }
