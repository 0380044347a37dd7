// finder-admin is the operator CLI for a finder server.
//
//	finder-admin create-account -email alice@example.com -password '...'
//	finder-admin token -principal <uuid> [-ttl 1h]
//	finder-admin volume -principal <uuid>
//	finder-admin sample-config > config.yaml
//
// Commands that need server settings read the same config file and
// environment variables as the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/accounts"
	"github.com/fruitsalade/finder/internal/auth"
	"github.com/fruitsalade/finder/internal/config"
	"github.com/fruitsalade/finder/internal/logging"
	"github.com/fruitsalade/finder/internal/retry"
	"github.com/fruitsalade/finder/internal/volume"
)

const usage = `usage: finder-admin <command> [flags]

commands:
  create-account   create a password account (requires database_url)
  token            mint a token for a principal
  volume           print the volume directory of a principal
  sample-config    print a default configuration file
`

func main() {
	if err := logging.Init(logging.Config{Level: "info", Format: "console", OutputPath: "stderr"}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		logging.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("no command given")
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "create-account":
		return createAccount(ctx, args, stdout)
	case "token":
		return mintToken(args, stdout)
	case "volume":
		return volumeDir(args, stdout)
	case "sample-config":
		data, err := config.Sample()
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func createAccount(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("create-account", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", os.Getenv("FINDER_ADMIN_PASSWORD"), "Account password (default $FINDER_ADMIN_PASSWORD)")
	migrations := fs.String("migrations", "migrations", "Migrations directory, empty to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("-email and -password are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is not configured")
	}

	// The database may still be starting.
	store, err := accounts.Connect(ctx, cfg.DatabaseURL, retry.DatabaseConfig())
	if err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	defer store.Close()

	if *migrations != "" {
		if err := store.Migrate(ctx, *migrations); err != nil {
			return err
		}
	}

	acct, err := store.Create(ctx, *email, *password)
	if err != nil {
		return err
	}

	vol, err := volumeName(cfg, acct.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\t%s\t%s\n", acct.ID, acct.Email, vol)
	return nil
}

func mintToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	principal := fs.String("principal", "", "Principal (account) ID")
	email := fs.String("email", "", "Email claim")
	ttl := fs.Duration("ttl", 0, "Token lifetime (default token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal == "" {
		return fmt.Errorf("-principal is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Refuse principals the server could never map to a volume.
	if _, err := volumeName(cfg, *principal); err != nil {
		return err
	}

	lifetime := cfg.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	token, exp, err := auth.New(cfg.JWTSecret, lifetime, nil).Issue(*principal, *email)
	if err != nil {
		return err
	}
	logging.Info("token issued",
		zap.String("principal", *principal),
		zap.Time("expires_at", exp))
	fmt.Fprintln(stdout, token)
	return nil
}

func volumeDir(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("volume", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	principal := fs.String("principal", "", "Principal (account) ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *principal == "" {
		return fmt.Errorf("-principal is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	name, err := volumeName(cfg, *principal)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, filepath.Join(cfg.FinderRoot, name))
	return nil
}

func volumeName(cfg *config.Config, principal string) (string, error) {
	namer, err := volume.NamerFor(cfg.PrincipalNaming, cfg.PrincipalSalt)
	if err != nil {
		return "", err
	}
	return namer.DirName(principal)
}
