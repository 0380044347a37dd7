package webdav

import (
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/internal/volume"
)

// Prefix is the URL path the WebDAV tree is mounted at.
const Prefix = "/webdav"

// NewHandler creates a WebDAV HTTP handler. authenticate must put the
// principal into the request context in a form principal understands.
func NewHandler(reg *volume.Registry, principal PrincipalFunc, authenticate func(http.Handler) http.Handler) http.Handler {
	davHandler := &webdav.Handler{
		FileSystem: NewVolumeFS(reg, principal),
		LockSystem: webdav.NewMemLS(),
		Prefix:     Prefix,
		Logger: func(r *http.Request, err error) {
			metrics.RecordWebDAVRequest(r.Method, err)
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					zap.String("method", r.Method),
					zap.Error(err))
			}
		},
	}
	return authenticate(davHandler)
}
