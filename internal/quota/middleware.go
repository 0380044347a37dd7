package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/pkg/protocol"
)

// PrincipalFunc extracts the authenticated principal from the request
// context. It decouples this package from auth.
type PrincipalFunc func(ctx context.Context) (string, bool)

// RateLimitMiddleware returns middleware that enforces per-principal rate
// limits. It must run inside the authentication middleware; requests
// without a principal pass through.
func RateLimitMiddleware(limiter *RateLimiter, principal PrincipalFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !limiter.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := principal(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(id) {
				metrics.RecordRateLimitHit()
				retryAfter := limiter.RetryAfter(id)
				logging.WithContext(r.Context()).Debug("rate limited",
					zap.Int("retry_after", retryAfter))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
