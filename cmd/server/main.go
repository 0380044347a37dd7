// Finder Server
//
// Serves each authenticated principal a read-only, sandboxed view of its
// own directory tree:
// - elFinder-style file manager API at /api/finder
// - optional read-only WebDAV mount at /webdav/
// - HS256 tokens, optional OIDC and PostgreSQL-backed accounts
// - Prometheus metrics & structured logging (zap)
// - Per-principal rate limiting
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/accounts"
	"github.com/fruitsalade/finder/internal/auth"
	"github.com/fruitsalade/finder/internal/config"
	"github.com/fruitsalade/finder/internal/finder"
	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/internal/quota"
	"github.com/fruitsalade/finder/internal/retry"
	"github.com/fruitsalade/finder/internal/volume"
	"github.com/fruitsalade/finder/internal/webdav"
	"github.com/fruitsalade/finder/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/finder/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Finder server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	namer, err := volume.NamerFor(cfg.PrincipalNaming, cfg.PrincipalSalt)
	if err != nil {
		logging.Fatal("invalid principal naming", zap.Error(err))
	}
	registry, err := volume.NewRegistry(volume.Config{
		SandboxRoot: cfg.FinderRoot,
		Namer:       namer,
		Label:       cfg.VolumeLabel,
		ListWorkers: cfg.ListWorkers,
	})
	if err != nil {
		logging.Fatal("sandbox root unavailable", zap.Error(err))
	}
	logging.Info("volume registry initialized",
		zap.String("naming", cfg.PrincipalNaming),
		zap.Int("list_workers", cfg.ListWorkers))

	// Accounts are optional; without a database only pre-issued tokens work.
	var store *accounts.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		store, err = accounts.Connect(ctx, cfg.DatabaseURL, retry.DatabaseConfig())
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer store.Close()

		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := store.Migrate(ctx, dir); err != nil {
				logging.Fatal("migration failed", zap.Error(err))
			}
		} else {
			logging.Warn("no migrations directory found")
		}
	}

	var authStore auth.AccountStore
	if store != nil {
		authStore = store
	}
	authHandler := auth.New(cfg.JWTSecret, cfg.TokenTTL, authStore)

	if cfg.OIDCIssuerURL != "" {
		oidcProvider, err := auth.NewOIDCProvider(ctx, auth.OIDCConfig{
			IssuerURL: cfg.OIDCIssuerURL,
			ClientID:  cfg.OIDCClientID,
		}, authStore)
		if err != nil {
			logging.Fatal("OIDC provider init failed", zap.Error(err))
		}
		authHandler.SetOIDCProvider(oidcProvider)
	}

	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute)
	logging.Info("rate limiter initialized", zap.Int("requests_per_minute", cfg.RequestsPerMinute))

	handler := newRouter(cfg, registry, authHandler, rateLimiter)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("graceful shutdown failed", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	// Periodic DB connection metrics
	if store != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					store.UpdateConnectionMetrics()
				}
			}
		}()
	}

	// SIGHUP re-reads the configuration and applies the log level.
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hangup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hangup:
				if err := reloadLogLevel(*configPath); err != nil {
					logging.Error("config reload failed", zap.Error(err))
				}
			}
		}
	}()

	// Periodic rate limiter cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rateLimiter.Cleanup(24 * time.Hour); n > 0 {
					logging.Debug("rate limiter buckets cleaned", zap.Int("count", n))
				}
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// newRouter wires every HTTP route. Authentication runs before rate
// limiting so buckets are keyed by principal.
func newRouter(cfg *config.Config, registry *volume.Registry, a *auth.Auth, limiter *quota.RateLimiter) http.Handler {
	limit := quota.RateLimitMiddleware(limiter, auth.Principal)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("/api/finder", a.Middleware(limit(finder.NewHandler(finder.NewService(registry), auth.Principal))))
	if a.HasAccounts() {
		mux.HandleFunc("POST /api/auth/token", a.HandleLogin)
	}
	if cfg.WebDAVEnabled {
		dav := webdav.NewHandler(registry, auth.Principal, func(next http.Handler) http.Handler {
			return a.BasicAuthMiddleware(limit(next))
		})
		mux.Handle(webdav.Prefix+"/", dav)
		logging.Info("WebDAV enabled", zap.String("prefix", webdav.Prefix+"/"))
	}

	return metrics.Middleware(logging.Middleware(mux))
}

// reloadLogLevel loads the configuration again and applies its log level.
// Other settings need a restart.
func reloadLogLevel(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logging.Info("log level reloaded", zap.String("level", cfg.LogLevel))
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.HealthResponse{Status: "ok"})
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"/app/migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
