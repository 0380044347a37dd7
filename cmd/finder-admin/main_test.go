package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/auth"
	"github.com/fruitsalade/finder/internal/logging"
)

const (
	testSecret    = "admin-test-secret-0123456789abcdef"
	testPrincipal = "5E6F7A8B-1C2D-4E3F-8A9B-0C1D2E3F4A5B"
)

func TestMain(m *testing.M) {
	logging.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

// isolate points config lookup at an empty directory and sets the minimum
// required environment.
func isolate(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("FINDER_ROOT", root)
	return root
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), nil, &out))
	assert.Contains(t, out.String(), "usage:")

	out.Reset()
	assert.Error(t, run(context.Background(), []string{"frobnicate"}, &out))
	assert.Contains(t, out.String(), "create-account")

	out.Reset()
	assert.NoError(t, run(context.Background(), []string{"help"}, &out))
}

func TestSampleConfig(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"sample-config"}, &out))
	assert.Contains(t, out.String(), "finder_root:")
	assert.Contains(t, out.String(), "jwt_secret:")
}

func TestToken(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"token", "-principal", testPrincipal, "-ttl", "5m"}, &out))

	tokenStr := strings.TrimSpace(out.String())
	claims := &auth.Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, testPrincipal, claims.Subject)
}

func TestTokenRejectsBadPrincipal(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	assert.Error(t, run(context.Background(), []string{"token", "-principal", "../../etc"}, &out))
	assert.Empty(t, out.String())

	assert.Error(t, run(context.Background(), []string{"token"}, &out))
}

func TestVolume(t *testing.T) {
	root := isolate(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"volume", "-principal", testPrincipal}, &out))
	assert.Equal(t, filepath.Join(root, "5e6f7a8b1c2d4e3f8a9b0c1d2e3f4a5b"), strings.TrimSpace(out.String()))
}

func TestCreateAccountRequiresDatabase(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"create-account", "-email", "a@example.com", "-password", "password123"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}
