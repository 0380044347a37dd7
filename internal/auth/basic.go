package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
)

const basicRealm = `Basic realm="finder"`

// BasicAuthMiddleware authenticates via HTTP Basic credentials or a Bearer
// token, for WebDAV clients.
func (a *Auth) BasicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			a.Middleware(next).ServeHTTP(w, r)
			return
		}

		email, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", basicRealm)
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		claims, err := a.ValidateCredentials(r.Context(), email, password)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Warn("webdav auth failed",
				zap.String("email", email),
				zap.Error(err))
			w.Header().Set("WWW-Authenticate", basicRealm)
			http.Error(w, "Invalid credentials", http.StatusUnauthorized)
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
