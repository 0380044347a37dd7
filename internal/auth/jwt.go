// Package auth authenticates principals: HS256 tokens issued by this
// server, optional OIDC ID tokens, and Basic credentials for WebDAV.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/accounts"
	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/pkg/protocol"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	issuer = "finder"
)

// Claims holds JWT token claims. Subject is the principal ID.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AccountStore is the subset of the account store auth needs.
type AccountStore interface {
	Authenticate(ctx context.Context, email, password string) (*accounts.Account, error)
	EnsureExternal(ctx context.Context, email string) (*accounts.Account, error)
}

// Auth handles token authentication.
type Auth struct {
	secret   []byte
	ttl      time.Duration
	accounts AccountStore // nil when no database is configured
	oidc     *OIDCProvider
}

// New creates a new Auth handler. store may be nil, which disables password
// login and Basic auth.
func New(jwtSecret string, ttl time.Duration, store AccountStore) *Auth {
	return &Auth{
		secret:   []byte(jwtSecret),
		ttl:      ttl,
		accounts: store,
	}
}

// HasAccounts reports whether password login is available.
func (a *Auth) HasAccounts() bool {
	return a.accounts != nil
}

// Issue signs a token for principal.
func (a *Auth) Issue(principal, email string) (string, time.Time, error) {
	if principal == "" {
		return "", time.Time{}, errors.New("empty principal")
	}
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Middleware returns HTTP middleware that requires a valid token. Local
// tokens are tried first, then OIDC ID tokens when a provider is set.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.authenticateToken(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Auth) authenticateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := a.validateToken(tokenStr)
	if err == nil {
		return claims, nil
	}
	if a.oidc != nil {
		if claims, oerr := a.oidc.ValidateToken(ctx, tokenStr); oerr == nil {
			return claims, nil
		}
	}
	return nil, err
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = logging.WithFields(ctx, zap.String("principal", claims.Subject))
	return context.WithValue(ctx, userContextKey, claims)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// Principal returns the authenticated principal ID from ctx.
func Principal(ctx context.Context) (string, bool) {
	claims := GetClaims(ctx)
	if claims == nil || claims.Subject == "" {
		return "", false
	}
	return claims.Subject, true
}

// HandleLogin handles POST /api/auth/token
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if a.accounts == nil {
		sendAuthError(w, http.StatusNotFound, "password login is not enabled")
		return
	}

	var req protocol.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "email and password required")
		return
	}

	claims, err := a.ValidateCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			logging.WithContext(r.Context()).Warn("login failed", zap.String("email", req.Email))
			sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logging.WithContext(r.Context()).Error("login database error", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "database error")
		return
	}

	tokenStr, expires, err := a.Issue(claims.Subject, claims.Email)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.WithContext(r.Context()).Info("login successful", zap.String("principal", claims.Subject))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(protocol.LoginResponse{Token: tokenStr, ExpiresAt: expires})
}

// ValidateCredentials checks an email/password pair against the account
// store.
func (a *Auth) ValidateCredentials(ctx context.Context, email, password string) (*Claims, error) {
	if a.accounts == nil {
		return nil, accounts.ErrInvalidCredentials
	}
	acct, err := a.accounts.Authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return &Claims{
		Email: acct.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: acct.ID,
			Issuer:  issuer,
		},
	}, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// extractToken reads a Bearer token, falling back to the token query
// parameter for clients that cannot set headers.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="finder"`)
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
