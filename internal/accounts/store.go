// Package accounts provides a PostgreSQL-backed account store. Account IDs
// are UUIDs and double as the principal that owns a volume.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/metrics"
	"github.com/fruitsalade/finder/internal/retry"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrExists             = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	errPing = errors.New("ping database")
)

// minPasswordLen is enforced on Create.
const minPasswordLen = 8

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Account is one principal.
type Account struct {
	ID        string
	Email     string
	External  bool // authenticated by an external identity provider
	CreatedAt time.Time
}

// Store is a PostgreSQL account store.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", errPing, err)
	}

	return &Store{db: db}, nil
}

// Connect opens the database, retrying while the server refuses
// connections.
func Connect(ctx context.Context, databaseURL string, cfg retry.Config) (*Store, error) {
	return retry.Do(ctx, "connect postgres", cfg, func() (*Store, error) {
		s, err := Open(databaseURL)
		if err != nil && errors.Is(err, errPing) {
			return nil, retry.Retryable(err)
		}
		return s, err
	})
}

// New wraps an existing connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs the *.up.sql files in migrationsDir in name order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", migrationsDir)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Create adds a password account.
func (s *Store) Create(ctx context.Context, email, password string) (*Account, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_account", time.Since(start)) }()

	acct := &Account{Email: email}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (email, pass_hash) VALUES ($1, $2) RETURNING id, created_at`,
		email, string(hashed)).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}

	logging.Info("account created", zap.String("account", acct.ID))
	return acct, nil
}

// Authenticate checks a password login. Unknown emails and wrong passwords
// both return ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("authenticate", time.Since(start)) }()

	var (
		acct Account
		hash sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, pass_hash, external, created_at FROM accounts WHERE LOWER(email) = $1`,
		normalizeEmail(email)).Scan(&acct.ID, &acct.Email, &hash, &acct.External, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	if !hash.Valid {
		// External accounts have no local password.
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &acct, nil
}

// Get returns the account with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_account", time.Since(start)) }()

	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, external, created_at FROM accounts WHERE id = $1`,
		id).Scan(&acct.ID, &acct.Email, &acct.External, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "invalid_text_representation" {
		// Not a UUID.
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &acct, nil
}

// EnsureExternal returns the account for an externally authenticated email,
// creating a password-less account on first sight.
func (s *Store) EnsureExternal(ctx context.Context, email string) (*Account, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("external identity has no email")
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("ensure_external", time.Since(start)) }()

	var acct Account
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (email, external) VALUES ($1, TRUE)
		 ON CONFLICT ((LOWER(email))) DO UPDATE SET email = accounts.email
		 RETURNING id, email, external, created_at`,
		email).Scan(&acct.ID, &acct.Email, &acct.External, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure external account: %w", err)
	}
	return &acct, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
