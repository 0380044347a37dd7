package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/finder/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL string // e.g. https://keycloak.example.com/realms/finder
	ClientID  string
}

// IDTokenVerifier verifies raw ID tokens. *oidc.IDTokenVerifier satisfies it.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCProvider validates OIDC ID tokens and maps them onto local accounts by
// email, creating the account on first login.
type OIDCProvider struct {
	verifier IDTokenVerifier
	config   OIDCConfig
	accounts AccountStore
}

// NewOIDCProvider discovers the issuer and builds a provider.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig, store AccountStore) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("oidc requires an account store")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return newOIDCProvider(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), cfg, store), nil
}

func newOIDCProvider(v IDTokenVerifier, cfg OIDCConfig, store AccountStore) *OIDCProvider {
	return &OIDCProvider{verifier: v, config: cfg, accounts: store}
}

// ValidateToken verifies an ID token and returns local Claims whose subject
// is the local account ID, never the provider's subject.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var oidcClaims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&oidcClaims); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}
	if oidcClaims.Email == "" {
		return nil, errors.New("oidc token has no email claim")
	}
	if oidcClaims.EmailVerified != nil && !*oidcClaims.EmailVerified {
		return nil, errors.New("oidc email is not verified")
	}

	acct, err := o.accounts.EnsureExternal(ctx, oidcClaims.Email)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	return &Claims{
		Email: acct.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: acct.ID,
			Issuer:  idToken.Issuer,
		},
	}, nil
}

// SetOIDCProvider sets the OIDC provider on the Auth handler.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// HasOIDC reports whether OIDC tokens are accepted.
func (a *Auth) HasOIDC() bool {
	return a.oidc != nil
}
