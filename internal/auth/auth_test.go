package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/accounts"
	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/pkg/protocol"
)

const (
	testSecret    = "test-secret-at-least-32-bytes-long!!"
	testPrincipal = "0b8f7d4e-2c1a-4f3b-9e6d-5a7c8b9d0e1f"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	m.Run()
}

type fakeStore struct {
	accounts map[string]string // email -> password
	err      error
}

func (f *fakeStore) Authenticate(_ context.Context, email, password string) (*accounts.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	if pw, ok := f.accounts[email]; ok && pw == password {
		return &accounts.Account{ID: testPrincipal, Email: email}, nil
	}
	return nil, accounts.ErrInvalidCredentials
}

func (f *fakeStore) EnsureExternal(_ context.Context, email string) (*accounts.Account, error) {
	return &accounts.Account{ID: testPrincipal, Email: email, External: true}, nil
}

func newTestAuth() *Auth {
	return New(testSecret, time.Hour, &fakeStore{accounts: map[string]string{"alice@example.com": "correct horse"}})
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := Principal(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(p))
	})
}

func TestIssueAndValidate(t *testing.T) {
	a := newTestAuth()

	token, exp, err := a.Issue(testPrincipal, "alice@example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := a.validateToken(token)
	require.NoError(t, err)
	assert.Equal(t, testPrincipal, claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)

	_, _, err = a.Issue("", "x@example.com")
	assert.Error(t, err)
}

func TestValidateTokenRejects(t *testing.T) {
	a := newTestAuth()
	now := time.Now()

	sign := func(method jwt.SigningMethod, key interface{}, claims *Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() *Claims {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testPrincipal,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))

	noSubject := valid()
	noSubject.Subject = ""

	otherIssuer := valid()
	otherIssuer.Issuer = "someone-else"

	noExpiry := valid()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"expired", sign(jwt.SigningMethodHS256, []byte(testSecret), expired)},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), valid())},
		{"wrong method", sign(jwt.SigningMethodHS512, []byte(testSecret), valid())},
		{"none alg", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid())},
		{"no subject", sign(jwt.SigningMethodHS256, []byte(testSecret), noSubject)},
		{"other issuer", sign(jwt.SigningMethodHS256, []byte(testSecret), otherIssuer)},
		{"no expiry", sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry)},
		{"garbage", "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.validateToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := newTestAuth()
	token, _, err := a.Issue(testPrincipal, "alice@example.com")
	require.NoError(t, err)

	h := a.Middleware(principalEcho())

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/finder", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, testPrincipal, rec.Body.String())
	})

	t.Run("query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/finder?token="+token, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/finder", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

		var resp protocol.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/finder", nil)
		req.Header.Set("Authorization", "Bearer "+token+"x")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-bearer scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/finder?token="+token, nil)
		req.SetBasicAuth("alice@example.com", "correct horse")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPrincipalWithoutClaims(t *testing.T) {
	_, ok := Principal(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{})
	_, ok = Principal(ctx)
	assert.False(t, ok)
}

func TestHandleLogin(t *testing.T) {
	a := newTestAuth()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(body))
		rec := httptest.NewRecorder()
		a.HandleLogin(rec, req)
		return rec
	}

	t.Run("success", func(t *testing.T) {
		body, _ := json.Marshal(protocol.LoginRequest{Email: "alice@example.com", Password: "correct horse"})
		rec := post(string(body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var resp protocol.LoginResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.NotEmpty(t, resp.Token)
		assert.True(t, resp.ExpiresAt.After(time.Now()))

		claims, err := a.validateToken(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, testPrincipal, claims.Subject)
	})

	t.Run("wrong password", func(t *testing.T) {
		rec := post(`{"email":"alice@example.com","password":"nope"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := post(`{"email":"alice@example.com"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad json", func(t *testing.T) {
		rec := post(`{`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		broken := New(testSecret, time.Hour, &fakeStore{err: errors.New("connection refused")})
		req := httptest.NewRequest(http.MethodPost, "/api/auth/token",
			bytes.NewBufferString(`{"email":"a@example.com","password":"password1"}`))
		rec := httptest.NewRecorder()
		broken.HandleLogin(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("no account store", func(t *testing.T) {
		noStore := New(testSecret, time.Hour, nil)
		assert.False(t, noStore.HasAccounts())
		req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		noStore.HandleLogin(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBasicAuthMiddleware(t *testing.T) {
	a := newTestAuth()
	h := a.BasicAuthMiddleware(principalEcho())

	t.Run("valid credentials", func(t *testing.T) {
		req := httptest.NewRequest("PROPFIND", "/webdav/", nil)
		req.SetBasicAuth("alice@example.com", "correct horse")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, testPrincipal, rec.Body.String())
	})

	t.Run("wrong credentials", func(t *testing.T) {
		req := httptest.NewRequest("PROPFIND", "/webdav/", nil)
		req.SetBasicAuth("alice@example.com", "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, basicRealm, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("no credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("PROPFIND", "/webdav/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, basicRealm, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("bearer token", func(t *testing.T) {
		token, _, err := a.Issue(testPrincipal, "alice@example.com")
		require.NoError(t, err)
		req := httptest.NewRequest("PROPFIND", "/webdav/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

type failingVerifier struct{ calls int }

func (v *failingVerifier) Verify(context.Context, string) (*oidc.IDToken, error) {
	v.calls++
	return nil, errors.New("signature mismatch")
}

func TestOIDCFallback(t *testing.T) {
	a := newTestAuth()
	v := &failingVerifier{}
	a.SetOIDCProvider(newOIDCProvider(v, OIDCConfig{IssuerURL: "https://idp.example.com", ClientID: "finder"}, &fakeStore{}))
	assert.True(t, a.HasOIDC())

	h := a.Middleware(principalEcho())

	// Local tokens never reach the OIDC verifier.
	token, _, err := a.Issue(testPrincipal, "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/finder", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, v.calls)

	req = httptest.NewRequest(http.MethodGet, "/api/finder", nil)
	req.Header.Set("Authorization", "Bearer foreign.id.token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, v.calls)
}

func TestNewOIDCProviderDisabled(t *testing.T) {
	p, err := NewOIDCProvider(context.Background(), OIDCConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewOIDCProvider(context.Background(), OIDCConfig{IssuerURL: "https://idp.example.com"}, nil)
	assert.Error(t, err)
}
