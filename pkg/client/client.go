package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hrportal/hrportal/internal/auth"
	"github.com/hrportal/hrportal/internal/identity"
	"github.com/hrportal/hrportal/internal/mfa"
	"github.com/hrportal/hrportal/internal/sso"
)

// ErrTwoFactorRequired is returned by EmailLogin when the account needs a TOTP code
var ErrTwoFactorRequired = errors.New("two-factor code required")

// APIError is a non-2xx response from the access service
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 from the service
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// Client calls the /api/auth endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	state      *auth.SessionState
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenStore replaces the in-memory token store
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) { c.tokens = store }
}

// WithSessionState replaces the session tracker
func WithSessionState(state *auth.SessionState) Option {
	return func(c *Client) { c.state = state }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the service at baseURL, e.g. https://hr.example.com/api/auth
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     NewMemoryTokenStore(),
		state:      auth.NewSessionState(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the session tracker driven by this client
func (c *Client) State() *auth.SessionState {
	return c.state
}

// EmailLogin signs in with email and password. code may be empty; when the
// account has 2FA and no code is given, ErrTwoFactorRequired is returned.
func (c *Client) EmailLogin(ctx context.Context, email, password, code string) (*identity.LoginResponse, error) {
	req := identity.EmailLoginRequest{Email: email, Password: password, TwoFactorCode: code}
	return c.login(ctx, auth.LoginMethodEmail, "/email/login", req)
}

// LDAPLogin signs in against the corporate directory
func (c *Client) LDAPLogin(ctx context.Context, username, password string) (*identity.LoginResponse, error) {
	req := identity.LDAPLoginRequest{Username: username, Password: password}
	return c.login(ctx, auth.LoginMethodLDAP, "/ldap/login", req)
}

// SSOProviders lists the configured identity providers
func (c *Client) SSOProviders(ctx context.Context) ([]string, error) {
	var resp struct {
		Providers []string `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/sso/providers", nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// SSOBegin returns the provider URL the user must visit
func (c *Client) SSOBegin(ctx context.Context, provider string) (*sso.AuthRequest, error) {
	var resp sso.AuthRequest
	if err := c.do(ctx, http.MethodGet, "/sso/"+provider+"/login", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SSOLogin completes the SSO flow with the code and state from the callback
func (c *Client) SSOLogin(ctx context.Context, provider, code, state string) (*identity.LoginResponse, error) {
	req := identity.SSOCallbackRequest{Code: code, State: state}
	return c.login(ctx, auth.LoginMethodSSO, "/sso/"+provider+"/login", req)
}

func (c *Client) login(ctx context.Context, method auth.LoginMethod, path string, body interface{}) (*identity.LoginResponse, error) {
	c.state.LoginStarted()

	var resp identity.LoginResponse
	if err := c.do(ctx, http.MethodPost, path, body, &resp, false); err != nil {
		c.state.LoginFailed(method, messageOf(err))
		return nil, err
	}
	if resp.RequiresTwoFactor {
		c.state.LoginAwaitingCode()
		return &resp, ErrTwoFactorRequired
	}

	if err := c.storeTokens(resp.Token, resp.RefreshToken); err != nil {
		c.state.LoginFailed(method, err.Error())
		return nil, err
	}

	perms, err := c.fetchPermissions(ctx)
	if err != nil {
		c.logger.Warn("falling back to login permission strings", zap.Error(err))
		perms = parsePermissions(resp.Permissions)
	}
	c.state.LoginSucceeded(method, auth.LoginResult{
		User:          resp.User,
		Permissions:   perms,
		SessionExpiry: resp.SessionExpiry,
	})
	return &resp, nil
}

// Refresh trades the stored refresh token for a new access token. Any
// failure logs the session out locally.
func (c *Client) Refresh(ctx context.Context) error {
	refreshToken, err := c.tokens.Get(KeyRefreshToken)
	if err != nil {
		return err
	}
	if refreshToken == "" {
		c.state.RefreshFailed()
		return &APIError{StatusCode: http.StatusUnauthorized, Message: identity.MsgSessionExpired}
	}

	var resp identity.LoginResponse
	err = c.do(ctx, http.MethodPost, "/refresh", identity.RefreshRequest{RefreshToken: refreshToken}, &resp, false)
	if err != nil {
		c.state.RefreshFailed()
		c.clearTokens()
		return err
	}
	if err := c.storeTokens(resp.Token, resp.RefreshToken); err != nil {
		return err
	}
	c.state.RefreshSucceeded(resp.SessionExpiry)
	return nil
}

// Logout revokes the tokens server-side and clears local state. Local state
// is cleared even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	refreshToken, _ := c.tokens.Get(KeyRefreshToken)
	err := c.do(ctx, http.MethodPost, "/logout", identity.LogoutRequest{RefreshToken: refreshToken}, nil, false)
	c.clearTokens()
	c.state.LoggedOut()
	return err
}

// Profile fetches the current user
func (c *Client) Profile(ctx context.Context) (*auth.User, error) {
	var user auth.User
	if err := c.do(ctx, http.MethodGet, "/profile", nil, &user, true); err != nil {
		return nil, err
	}
	c.state.ProfileUpdated(&user)
	return &user, nil
}

// UpdateProfile changes the name and avatar
func (c *Client) UpdateProfile(ctx context.Context, update identity.ProfileUpdate) (*auth.User, error) {
	var user auth.User
	if err := c.do(ctx, http.MethodPut, "/profile", update, &user, true); err != nil {
		return nil, err
	}
	c.state.ProfileUpdated(&user)
	return &user, nil
}

// ChangePassword changes the password of the current user
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	req := identity.ChangePasswordRequest{CurrentPassword: current, NewPassword: next}
	if err := c.do(ctx, http.MethodPost, "/change-password", req, nil, true); err != nil {
		return err
	}
	c.state.PasswordChanged()
	return nil
}

// EnableTwoFactor starts TOTP enrollment
func (c *Client) EnableTwoFactor(ctx context.Context) (*mfa.Enrollment, error) {
	var enrollment mfa.Enrollment
	if err := c.do(ctx, http.MethodPost, "/2fa/enable", nil, &enrollment, true); err != nil {
		return nil, err
	}
	c.state.TwoFactorEnabled()
	return &enrollment, nil
}

// VerifyTwoFactor confirms enrollment or checks a code for an enrolled account
func (c *Client) VerifyTwoFactor(ctx context.Context, code string) error {
	var status identity.TwoFactorStatus
	if err := c.do(ctx, http.MethodPost, "/2fa/verify", identity.TwoFactorCodeRequest{Code: code}, &status, true); err != nil {
		return err
	}
	c.state.TwoFactorVerified()
	return nil
}

// DisableTwoFactor removes TOTP from the account
func (c *Client) DisableTwoFactor(ctx context.Context, code string) error {
	return c.do(ctx, http.MethodPost, "/2fa/disable", identity.TwoFactorCodeRequest{Code: code}, nil, true)
}

// Permissions reloads the effective permissions into the session
func (c *Client) Permissions(ctx context.Context) ([]auth.Permission, error) {
	perms, err := c.fetchPermissions(ctx)
	if err != nil {
		return nil, err
	}
	c.state.UpdatePermissions(perms)
	return perms, nil
}

func (c *Client) fetchPermissions(ctx context.Context) ([]auth.Permission, error) {
	var resp identity.PermissionsResponse
	if err := c.do(ctx, http.MethodGet, "/permissions", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// CheckPermission asks the service, which also applies site policy and
// target checks the local session cannot see.
func (c *Client) CheckPermission(ctx context.Context, check auth.PermissionCheck) (*identity.CheckPermissionResponse, error) {
	var resp identity.CheckPermissionResponse
	if err := c.do(ctx, http.MethodPost, "/check-permission", check, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExtendSession pushes the server session expiry back
func (c *Client) ExtendSession(ctx context.Context) (*identity.SessionResponse, error) {
	var resp identity.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/session/extend", nil, &resp, true); err != nil {
		return nil, err
	}
	c.state.SetSessionExpiry(resp.SessionExpiry)
	c.state.UpdateSecurityLevel(resp.SecurityLevel)
	return &resp, nil
}

// do sends one request. When retry is set, a 401 triggers a single refresh
// and replay.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, retry bool) error {
	err := c.send(ctx, method, path, body, out)
	if !retry || !IsUnauthorized(err) {
		return err
	}
	if refreshErr := c.Refresh(ctx); refreshErr != nil {
		c.logger.Debug("token refresh failed", zap.Error(refreshErr))
		return err
	}
	return c.send(ctx, method, path, body, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	token, err := c.tokens.Get(KeyAuthToken)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response: %v", err)}
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error, Message: msg}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) storeTokens(access, refresh string) error {
	if err := c.tokens.Set(KeyAuthToken, access); err != nil {
		return err
	}
	if refresh == "" {
		return nil
	}
	return c.tokens.Set(KeyRefreshToken, refresh)
}

func (c *Client) clearTokens() {
	for _, key := range []string{KeyAuthToken, KeyRefreshToken} {
		if err := c.tokens.Remove(key); err != nil {
			c.logger.Warn("failed to remove token", zap.String("key", key), zap.Error(err))
		}
	}
}

func parsePermissions(values []string) []auth.Permission {
	perms := make([]auth.Permission, 0, len(values))
	for _, v := range values {
		p, err := auth.ParsePermission(v)
		if err != nil {
			continue
		}
		perms = append(perms, p)
	}
	return perms
}

func messageOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
