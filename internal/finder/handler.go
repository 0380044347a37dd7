package finder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/internal/volume"
	"github.com/fruitsalade/finder/pkg/protocol"
)

// Error codes understood by file-manager clients.
const (
	codeFileNotFound = "errFileNotFound"
	codeNotFolder    = "errNotFolder"
	codeCmdParams    = "errCmdParams"
	codeNoSupport    = "errCmdNoSupport"
	codeConf         = "errConf"
	codeUnknown      = "errUnknown"
	codeAccess       = "errAccess"
)

// statusClientClosedRequest is logged and recorded when the caller went
// away before the command finished. Nobody reads the response.
const statusClientClosedRequest = 499

// retryAfterSeconds is advertised when the sandbox storage is unavailable.
const retryAfterSeconds = "30"

// ErrUnknownCommand is returned for commands this server does not
// implement. It is joined with volume.ErrUnsupported.
var ErrUnknownCommand = errors.New("unknown command")

// PrincipalFunc extracts the authenticated principal from a request context.
type PrincipalFunc func(ctx context.Context) (string, bool)

// Handler serves GET|POST /api/finder?cmd=...
type Handler struct {
	svc       *Service
	principal PrincipalFunc
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, principal PrincipalFunc) *Handler {
	return &Handler{svc: svc, principal: principal}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		sendError(w, http.StatusMethodNotAllowed, codeCmdParams)
		return
	}

	principal, ok := h.principal(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, codeAccess)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.fail(w, r, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err), start)
		return
	}
	p, err := decodeParams(r.Form)
	if err != nil {
		h.fail(w, r, "", err, start)
		return
	}

	ctx := logging.WithFields(r.Context(), zap.String("cmd", p.Cmd))
	var resp any
	switch p.Cmd {
	case "open":
		var req OpenRequest
		if req, err = parseOpen(p); err == nil {
			resp, err = h.svc.Open(ctx, principal, req)
		}
	case "info":
		var req InfoRequest
		if req, err = parseInfo(p); err == nil {
			resp, err = h.svc.Info(ctx, principal, req)
		}
	case "duplicate":
		err = h.svc.Duplicate(ctx, principal, p.Targets)
	case "chmod":
		err = h.svc.Chmod(ctx, principal, p.Targets, p.Mode)
	case "":
		err = fmt.Errorf("%w: missing cmd", ErrInvalidRequest)
	default:
		err = fmt.Errorf("%w %q: %w", ErrUnknownCommand, p.Cmd, volume.ErrUnsupported)
	}
	if err != nil {
		h.fail(w, r.WithContext(ctx), p.Cmd, err, start)
		return
	}

	sendJSON(w, http.StatusOK, resp)
	metrics.RecordCommand(p.Cmd, http.StatusOK, time.Since(start))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, cmd string, err error, start time.Time) {
	status, code := errorStatus(err)
	logger := logging.WithContext(r.Context())
	switch {
	case volume.ClassOf(err) == volume.ClassCanceled:
		logger.Debug("finder command abandoned", zap.Int("status", status), zap.Error(err))
	case status >= 500:
		logger.Error("finder command failed", zap.Int("status", status), zap.Error(err))
	case errors.Is(err, volume.ErrPathEscape):
		logger.Warn("finder command refused", zap.Int("status", status), zap.Error(err))
	default:
		logger.Debug("finder command rejected", zap.Int("status", status), zap.Error(err))
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	sendError(w, status, code)
	metrics.RecordCommand(cmd, status, time.Since(start))
}

// errorStatus maps an error to its HTTP status and client error code. Path
// escapes and missing entries share one response so a caller cannot probe
// the sandbox boundary.
func errorStatus(err error) (int, string) {
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest, codeCmdParams
	}
	switch volume.ClassOf(err) {
	case volume.ClassPathEscape, volume.ClassNotFound:
		return http.StatusNotFound, codeFileNotFound
	case volume.ClassNotADirectory:
		return http.StatusBadRequest, codeNotFolder
	case volume.ClassStorageUnavailable:
		return http.StatusServiceUnavailable, codeConf
	case volume.ClassUnsupported:
		return http.StatusNotImplemented, codeNoSupport
	case volume.ClassCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, codeUnknown
		}
		return statusClientClosedRequest, codeUnknown
	default:
		return http.StatusInternalServerError, codeUnknown
	}
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, code string) {
	sendJSON(w, status, protocol.ErrorResponse{Error: code, Code: status})
}
