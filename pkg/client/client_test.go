package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrportal/hrportal/internal/auth"
	"github.com/hrportal/hrportal/internal/identity"
	"github.com/hrportal/hrportal/internal/mfa"
)

var expiry = time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)

// fakeServer speaks the /api/auth envelope with a fixed set of tokens
type fakeServer struct {
	mu           sync.Mutex
	validToken   string
	refreshCalls int
	refreshOK    bool
	twoFactor    bool
	lastLogout   identity.LogoutRequest
}

func (f *fakeServer) write(w http.ResponseWriter, status int, data interface{}, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": status < 300,
		"data":    data,
		"message": message,
		"error":   code,
	})
}

func (f *fakeServer) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+f.validToken
}

func (f *fakeServer) handler() http.Handler {
	user := &auth.User{ID: "u-1", Email: "jane@corp.example", Name: "Jane", Role: auth.RoleManager, Department: "Sales", IsActive: true}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/email/login", func(w http.ResponseWriter, r *http.Request) {
		var req identity.EmailLoginRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "Secret#123" {
			f.write(w, http.StatusUnauthorized, nil, identity.MsgBadEmailCredentials, "UNAUTHORIZED")
			return
		}
		if f.twoFactor && req.TwoFactorCode == "" {
			f.write(w, http.StatusOK, identity.LoginResponse{RequiresTwoFactor: true, Permissions: []string{}}, "Code de vérification requis", "")
			return
		}
		e := expiry
		f.write(w, http.StatusOK, identity.LoginResponse{
			User:          user,
			Token:         "access-1",
			RefreshToken:  "refresh-1",
			Permissions:   []string{"employees.read.team"},
			SessionExpiry: &e,
		}, "Connexion email réussie", "")
	})

	mux.HandleFunc("/api/auth/permissions", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.write(w, http.StatusUnauthorized, nil, auth.ReasonUnauthenticated, "UNAUTHORIZED")
			return
		}
		perms := auth.RolePermissions(auth.RoleManager)
		f.write(w, http.StatusOK, identity.PermissionsResponse{Permissions: perms, Strings: auth.PermissionStrings(perms)}, "", "")
	})

	mux.HandleFunc("/api/auth/profile", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.write(w, http.StatusUnauthorized, nil, auth.ReasonUnauthenticated, "UNAUTHORIZED")
			return
		}
		f.write(w, http.StatusOK, user, "Profil récupéré", "")
	})

	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req identity.RefreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.refreshCalls++
		ok := f.refreshOK && req.RefreshToken == "refresh-1"
		if ok {
			f.validToken = "access-2"
		}
		f.mu.Unlock()
		if !ok {
			f.write(w, http.StatusUnauthorized, nil, identity.MsgSessionExpired, "UNAUTHORIZED")
			return
		}
		e := expiry.Add(time.Hour)
		f.write(w, http.StatusOK, identity.LoginResponse{Token: "access-2", RefreshToken: "refresh-1", SessionExpiry: &e, Permissions: []string{}}, "Token rafraîchi", "")
	})

	mux.HandleFunc("/api/auth/session/extend", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.write(w, http.StatusUnauthorized, nil, auth.ReasonUnauthenticated, "UNAUTHORIZED")
			return
		}
		f.write(w, http.StatusOK, identity.SessionResponse{SessionID: "s-1", SessionExpiry: expiry.Add(time.Hour), SecurityLevel: auth.SecurityMedium}, "Session prolongée", "")
	})

	mux.HandleFunc("/api/auth/check-permission", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.write(w, http.StatusUnauthorized, nil, auth.ReasonUnauthenticated, "UNAUTHORIZED")
			return
		}
		var check auth.PermissionCheck
		_ = json.NewDecoder(r.Body).Decode(&check)
		resp := identity.CheckPermissionResponse{HasAccess: check.Resource == "employees", Source: auth.SourceRole, Reason: auth.ReasonGranted}
		if !resp.HasAccess {
			resp.Source, resp.Reason = auth.SourceNone, "Permission refusée"
		}
		f.write(w, http.StatusOK, resp, "Permission vérifiée", "")
	})

	mux.HandleFunc("/api/auth/2fa/enable", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			f.write(w, http.StatusUnauthorized, nil, auth.ReasonUnauthenticated, "UNAUTHORIZED")
			return
		}
		f.write(w, http.StatusOK, mfa.Enrollment{Secret: "JBSWY3DPEHPK3PXP", URL: "otpauth://totp/HR%20Portal:jane", ExpiresAt: expiry}, "Scannez le code avec votre application", "")
	})

	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.lastLogout)
		f.validToken = ""
		f.mu.Unlock()
		f.write(w, http.StatusOK, nil, "Déconnexion réussie", "")
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeServer, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/auth/", append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
}

func TestClient_EmailLogin(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	store := NewMemoryTokenStore()
	c := newTestClient(t, f, WithTokenStore(store))

	resp, err := c.EmailLogin(context.Background(), "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)
	assert.Equal(t, "access-1", resp.Token)

	token, _ := store.Get(KeyAuthToken)
	assert.Equal(t, "access-1", token)
	refresh, _ := store.Get(KeyRefreshToken)
	assert.Equal(t, "refresh-1", refresh)

	state := c.State()
	assert.True(t, state.IsAuthenticated())
	assert.Equal(t, auth.SecurityMedium, state.SecurityLevel())
	assert.Equal(t, "u-1", state.User().ID)
	require.NotNil(t, state.SessionExpiry())
	assert.True(t, state.SessionExpiry().Equal(expiry))
	assert.True(t, state.HasPermission("employees", "read", auth.ScopeTeam))
	assert.True(t, state.CanManageTeam())
}

func TestClient_EmailLoginFailure(t *testing.T) {
	f := &fakeServer{}
	c := newTestClient(t, f)

	_, err := c.EmailLogin(context.Background(), "jane@corp.example", "wrong", "")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Equal(t, identity.MsgBadEmailCredentials, c.State().Error())
	assert.Equal(t, auth.SecurityCritical, c.State().SecurityLevel())
	assert.False(t, c.State().IsAuthenticated())
}

func TestClient_EmailLoginTwoFactor(t *testing.T) {
	f := &fakeServer{validToken: "access-1", twoFactor: true}
	store := NewMemoryTokenStore()
	c := newTestClient(t, f, WithTokenStore(store))

	resp, err := c.EmailLogin(context.Background(), "jane@corp.example", "Secret#123", "")
	require.ErrorIs(t, err, ErrTwoFactorRequired)
	assert.True(t, resp.RequiresTwoFactor)
	assert.False(t, c.State().IsAuthenticated())
	assert.Equal(t, auth.SecurityMedium, c.State().SecurityLevel())
	token, _ := store.Get(KeyAuthToken)
	assert.Empty(t, token)

	_, err = c.EmailLogin(context.Background(), "jane@corp.example", "Secret#123", "123456")
	require.NoError(t, err)
	assert.True(t, c.State().IsAuthenticated())
}

func TestClient_RefreshOnUnauthorized(t *testing.T) {
	f := &fakeServer{validToken: "access-1", refreshOK: true}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)

	// server rotates the access token; the next call must refresh and replay
	f.mu.Lock()
	f.validToken = "rotated"
	f.mu.Unlock()

	user, err := c.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	f.mu.Lock()
	assert.Equal(t, 1, f.refreshCalls)
	f.mu.Unlock()
	assert.True(t, c.State().SessionExpiry().Equal(expiry.Add(time.Hour)))
}

func TestClient_RefreshFailureLogsOut(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	store := NewMemoryTokenStore()
	c := newTestClient(t, f, WithTokenStore(store))
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)

	f.mu.Lock()
	f.validToken = "rotated"
	f.mu.Unlock()

	_, err = c.Profile(ctx)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, c.State().IsAuthenticated())
	assert.Nil(t, c.State().User())
	token, _ := store.Get(KeyAuthToken)
	assert.Empty(t, token)
}

func TestClient_CheckPermissionAndExtend(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)

	resp, err := c.CheckPermission(ctx, auth.PermissionCheck{Resource: "employees", Action: "read", Scope: auth.ScopeTeam})
	require.NoError(t, err)
	assert.True(t, resp.HasAccess)
	assert.Equal(t, auth.SourceRole, resp.Source)

	resp, err = c.CheckPermission(ctx, auth.PermissionCheck{Resource: "payroll", Action: "read"})
	require.NoError(t, err)
	assert.False(t, resp.HasAccess)

	session, err := c.ExtendSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s-1", session.SessionID)
	assert.True(t, c.State().SessionExpiry().Equal(expiry.Add(time.Hour)))
}

func TestClient_EnableTwoFactorRaisesLevel(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)
	require.Equal(t, auth.SecurityMedium, c.State().SecurityLevel())

	enrollment, err := c.EnableTwoFactor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", enrollment.Secret)
	assert.Equal(t, auth.SecurityHigh, c.State().SecurityLevel())
}

func TestClient_EnableTwoFactorFailureKeepsLevel(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)

	f.mu.Lock()
	f.validToken = "rotated"
	f.mu.Unlock()

	_, err = c.EnableTwoFactor(ctx)
	require.Error(t, err)
	assert.NotEqual(t, auth.SecurityHigh, c.State().SecurityLevel())
}

func TestClient_LastActivityOnlyOnSessionEvents(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	var mu sync.Mutex
	now := expiry.Add(-8 * time.Hour)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func() {
		mu.Lock()
		now = now.Add(time.Minute)
		mu.Unlock()
	}
	c := newTestClient(t, f, WithSessionState(auth.NewSessionState(auth.WithClock(clock))))
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)
	loggedIn := c.State().Snapshot().LastActivity
	assert.True(t, loggedIn.Equal(clock()))

	advance()
	_, err = c.CheckPermission(ctx, auth.PermissionCheck{Resource: "employees", Action: "read"})
	require.NoError(t, err)
	_, err = c.Permissions(ctx)
	require.NoError(t, err)
	_, err = c.EnableTwoFactor(ctx)
	require.NoError(t, err)
	assert.True(t, c.State().Snapshot().LastActivity.Equal(loggedIn))

	advance()
	_, err = c.Profile(ctx)
	require.NoError(t, err)
	assert.True(t, c.State().Snapshot().LastActivity.Equal(clock()))

	advance()
	require.NoError(t, c.Logout(ctx))
	assert.True(t, c.State().Snapshot().LastActivity.Equal(clock()))
}

func TestClient_Logout(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	store := NewMemoryTokenStore()
	c := newTestClient(t, f, WithTokenStore(store))
	ctx := context.Background()

	_, err := c.EmailLogin(ctx, "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)
	require.NoError(t, c.Logout(ctx))

	f.mu.Lock()
	assert.Equal(t, "refresh-1", f.lastLogout.RefreshToken)
	f.mu.Unlock()
	assert.False(t, c.State().IsAuthenticated())
	assert.Equal(t, auth.SecurityLow, c.State().SecurityLevel())
	assert.Empty(t, c.State().Permissions())
	token, _ := store.Get(KeyAuthToken)
	assert.Empty(t, token)
	refresh, _ := store.Get(KeyRefreshToken)
	assert.Empty(t, refresh)
}

func TestClient_FileTokenStorePersists(t *testing.T) {
	f := &fakeServer{validToken: "access-1"}
	path := filepath.Join(t.TempDir(), "hrportal", "tokens.json")
	store, err := NewFileTokenStore(path)
	require.NoError(t, err)

	c := newTestClient(t, f, WithTokenStore(store))
	_, err = c.EmailLogin(context.Background(), "jane@corp.example", "Secret#123", "")
	require.NoError(t, err)

	reopened, err := NewFileTokenStore(path)
	require.NoError(t, err)
	token, err := reopened.Get(KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}
