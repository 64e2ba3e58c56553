package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrMissingIDToken is returned when the token response carries no id_token
	ErrMissingIDToken = errors.New("missing id_token in token response")

	// ErrNonceMismatch is returned when the ID token nonce differs from the one sent
	ErrNonceMismatch = errors.New("invalid nonce")
)

// ProviderConfig configures one OpenID Connect provider
type ProviderConfig struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	RoleExpression string
	DefaultRole    string
	HTTPClient     *http.Client
}

// Provider runs the authorization code flow against one issuer
type Provider struct {
	name       string
	config     *oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	mapper     *RoleMapper
	httpClient *http.Client
}

// NewProvider discovers the issuer's endpoints and keys
func NewProvider(ctx context.Context, name string, cfg ProviderConfig) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	op, err := gooidc.NewProvider(gooidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider %s: %w", name, err)
	}

	verifier := op.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	return newProvider(name, cfg, op.Endpoint(), verifier, httpClient)
}

func newProvider(name string, cfg ProviderConfig, endpoint oauth2.Endpoint, verifier *gooidc.IDTokenVerifier, httpClient *http.Client) (*Provider, error) {
	mapper, err := NewRoleMapper(cfg.RoleExpression, cfg.DefaultRole)
	if err != nil {
		return nil, fmt.Errorf("sso provider %s: %w", name, err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}

	return &Provider{
		name: name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier:   verifier,
		mapper:     mapper,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider key used in routes
func (p *Provider) Name() string {
	return p.name
}

// AuthURL builds the authorization redirect for state and nonce
func (p *Provider) AuthURL(state, nonce string) string {
	return p.config.AuthCodeURL(state,
		gooidc.Nonce(nonce),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)
}

// Exchange trades code for tokens and returns the verified identity
func (p *Provider) Exchange(ctx context.Context, code, nonce string) (*Identity, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	ctx = gooidc.ClientContext(ctx, p.httpClient)
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code for token: %w", err)
	}

	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, ErrMissingIDToken
	}

	idToken, err := p.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	if idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}

	id := IdentityFromClaims(claims)
	id.Provider = p.name
	id.Subject = idToken.Subject
	id.Role = p.mapper.MapRole(claims)
	if id.Email == "" {
		return nil, errors.New("id_token has no email claim")
	}
	return &id, nil
}

// randomString returns a URL-safe random string from n random bytes
func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
