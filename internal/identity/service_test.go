package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrportal/hrportal/internal/audit"
	"github.com/hrportal/hrportal/internal/auth"
	apperrors "github.com/hrportal/hrportal/internal/common/errors"
	"github.com/hrportal/hrportal/internal/common/testutil"
	"github.com/hrportal/hrportal/internal/directory"
	"github.com/hrportal/hrportal/internal/mfa"
	"github.com/hrportal/hrportal/internal/sso"
)

// MockRepository is a mock implementation of the Repository interface for testing
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) GetUser(ctx context.Context, id string) (*auth.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *MockRepository) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *MockRepository) GetUserByLDAPID(ctx context.Context, ldapID string) (*auth.User, error) {
	args := m.Called(ctx, ldapID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *MockRepository) CreateUser(ctx context.Context, user *auth.User, passwordHash string) error {
	args := m.Called(ctx, user, passwordHash)
	return args.Error(0)
}

func (m *MockRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*auth.User, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.User), args.Error(1)
}

func (m *MockRepository) LinkLDAP(ctx context.Context, id, ldapID string) error {
	args := m.Called(ctx, id, ldapID)
	return args.Error(0)
}

func (m *MockRepository) GetPasswordHash(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *MockRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

func (m *MockRepository) TouchLastLogin(ctx context.Context, id string, method auth.LoginMethod, at time.Time) error {
	args := m.Called(ctx, id, method, at)
	return args.Error(0)
}

func (m *MockRepository) ListPermissions(ctx context.Context, userID string) ([]auth.Permission, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]auth.Permission), args.Error(1)
}

func (m *MockRepository) GrantPermission(ctx context.Context, userID string, p *auth.Permission, grantedBy string) error {
	args := m.Called(ctx, userID, p, grantedBy)
	return args.Error(0)
}

func (m *MockRepository) RevokePermission(ctx context.Context, userID, permissionID string) error {
	args := m.Called(ctx, userID, permissionID)
	return args.Error(0)
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Authenticate(username, password string) (*directory.Entry, error) {
	args := m.Called(username, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*directory.Entry), args.Error(1)
}

type MockSSO struct {
	mock.Mock
}

func (m *MockSSO) Providers() []string {
	return m.Called().Get(0).([]string)
}

func (m *MockSSO) Begin(ctx context.Context, provider string) (*sso.AuthRequest, error) {
	args := m.Called(ctx, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sso.AuthRequest), args.Error(1)
}

func (m *MockSSO) Complete(ctx context.Context, provider, code, state string) (*sso.Identity, error) {
	args := m.Called(ctx, provider, code, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sso.Identity), args.Error(1)
}

type auditStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *auditStore) Insert(_ context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *auditStore) List(_ context.Context, _ audit.Filter) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...), nil
}

func (s *auditStore) byAction(action audit.Action) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type denyAll struct{ reason string }

func (d denyAll) Review(_ context.Context, _ *auth.User, _ auth.Request, dec auth.Decision) (auth.Decision, error) {
	if !dec.Allowed {
		return dec, nil
	}
	return auth.Decision{Source: auth.SourcePolicy, Permission: dec.Permission, Reason: d.reason}, nil
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// totpEpoch is a fixed instant on a 30 second boundary
var totpEpoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	repo      *MockRepository
	dir       *MockDirectory
	sso       *MockSSO
	tokens    *auth.TokenService
	sessions  *auth.SessionService
	twoFactor *mfa.Service
	passwords *auth.PasswordService
	audit     *auditStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	logger := zaptest.NewLogger(t)
	key := signingKey(t)

	f := &fixture{
		repo:      &MockRepository{},
		dir:       &MockDirectory{},
		sso:       &MockSSO{},
		tokens:    auth.NewTokenService(key, &key.PublicKey, client, logger),
		sessions:  auth.NewSessionService(client, logger),
		twoFactor: mfa.NewService(client, mfa.PlaintextEncrypter{}, logger).WithClock(func() time.Time { return totpEpoch }),
		passwords: auth.NewPasswordService().WithArgon2Params(1, 8*1024, 1, 32),
		audit:     &auditStore{},
	}
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Tokens:    f.tokens,
		Sessions:  f.sessions,
		Passwords: f.passwords,
		Directory: f.dir,
		SSO:       f.sso,
		TwoFactor: f.twoFactor,
		Audit:     audit.NewService(f.audit, nil, logger),
		Logger:    logger,
	})
	return f
}

func (f *fixture) hash(t *testing.T, password string) string {
	t.Helper()
	h, err := f.passwords.Hash(password)
	require.NoError(t, err)
	return h
}

// enableTwoFactor enrolls and confirms a secret, returning it
func (f *fixture) enableTwoFactor(t *testing.T, userID string) string {
	t.Helper()
	ctx := context.Background()
	enrollment, err := f.twoFactor.Enroll(ctx, userID, "user@corp.example")
	require.NoError(t, err)
	code, err := f.twoFactor.GenerateCode(enrollment.Secret, totpEpoch)
	require.NoError(t, err)
	require.NoError(t, f.twoFactor.Confirm(ctx, userID, code))
	return enrollment.Secret
}

func newUser(role auth.Role, department string) *auth.User {
	return &auth.User{
		ID:          uuid.NewString(),
		Email:       string(role) + "@corp.example",
		Name:        "Test " + string(role),
		Role:        role,
		Department:  department,
		IsActive:    true,
		LoginMethod: auth.LoginMethodEmail,
		Permissions: []auth.Permission{},
	}
}

func appErr(t *testing.T, err error) *apperrors.AppError {
	t.Helper()
	var ae *apperrors.AppError
	require.True(t, errors.As(err, &ae), "expected AppError, got %v", err)
	return ae
}

var reqInfo = ClientInfo{IPAddress: "10.0.0.7", UserAgent: "portal-test"}

func TestEmailLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newFixture(t)
		user := newUser(auth.RoleManager, "Sales")
		f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
		f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(f.hash(t, "Secret#123"), nil)
		f.repo.On("TouchLastLogin", mock.Anything, user.ID, auth.LoginMethodEmail, mock.AnythingOfType("time.Time")).Return(nil)

		before := time.Now()
		resp, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: "  Manager@Corp.Example ", Password: "Secret#123"}, reqInfo)
		require.NoError(t, err)

		assert.False(t, resp.RequiresTwoFactor)
		assert.Equal(t, user.ID, resp.User.ID)
		assert.NotEmpty(t, resp.Token)
		assert.NotEmpty(t, resp.RefreshToken)
		assert.Contains(t, resp.Permissions, "profile.read.self")
		assert.Contains(t, resp.Permissions, "leaves.approve.team")
		require.NotNil(t, resp.SessionExpiry)
		assert.WithinDuration(t, before.Add(8*time.Hour), *resp.SessionExpiry, 5*time.Second)
		require.NotNil(t, resp.User.LastLogin)

		claims, err := f.tokens.ValidateAccessToken(ctx, resp.Token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.Subject)
		assert.Equal(t, string(auth.RoleManager), claims.Role)

		session, err := f.sessions.Get(ctx, claims.SessionID)
		require.NoError(t, err)
		assert.Equal(t, auth.LoginMethodEmail, session.LoginMethod)
		assert.Equal(t, reqInfo.IPAddress, session.IPAddress)

		events := f.audit.byAction(audit.ActionEmailLogin)
		require.Len(t, events, 1)
		assert.True(t, events[0].Success)
		assert.Equal(t, user.ID, events[0].UserID)
		f.repo.AssertExpectations(t)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t)
		user := newUser(auth.RoleEmployee, "Sales")
		f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
		f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(f.hash(t, "Secret#123"), nil)

		_, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "nope"}, reqInfo)
		ae := appErr(t, err)
		assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
		assert.Equal(t, MsgBadEmailCredentials, ae.Message)

		events := f.audit.byAction(audit.ActionEmailLogin)
		require.Len(t, events, 1)
		assert.False(t, events[0].Success)
		assert.Equal(t, audit.SeverityWarning, events[0].Severity)
		f.repo.AssertNotCalled(t, "TouchLastLogin", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown email", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("GetUserByEmail", mock.Anything, "ghost@corp.example").Return(nil, ErrUserNotFound)

		_, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: "ghost@corp.example", Password: "x"}, reqInfo)
		assert.Equal(t, MsgBadEmailCredentials, appErr(t, err).Message)
	})

	t.Run("directory account without password", func(t *testing.T) {
		f := newFixture(t)
		user := newUser(auth.RoleLDAPUser, "IT")
		f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
		f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return("", nil)

		_, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "anything"}, reqInfo)
		assert.Equal(t, MsgBadEmailCredentials, appErr(t, err).Message)
	})

	t.Run("disabled account", func(t *testing.T) {
		f := newFixture(t)
		user := newUser(auth.RoleEmployee, "Sales")
		user.IsActive = false
		f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
		f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(f.hash(t, "Secret#123"), nil)

		_, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "Secret#123"}, reqInfo)
		assert.Equal(t, apperrors.ErrUserDisabled, appErr(t, err).Code)
	})

	t.Run("legacy bcrypt hash is upgraded", func(t *testing.T) {
		f := newFixture(t)
		user := newUser(auth.RoleEmployee, "Sales")
		legacy, err := bcrypt.GenerateFromPassword([]byte("Secret#123"), bcrypt.MinCost)
		require.NoError(t, err)

		f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
		f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(string(legacy), nil)
		f.repo.On("UpdatePassword", mock.Anything, user.ID, mock.MatchedBy(func(h string) bool {
			return strings.HasPrefix(h, "$argon2id$")
		})).Return(nil).Once()
		f.repo.On("TouchLastLogin", mock.Anything, user.ID, auth.LoginMethodEmail, mock.Anything).Return(nil)

		_, err = f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "Secret#123"}, reqInfo)
		require.NoError(t, err)
		f.repo.AssertExpectations(t)
	})
}

func TestEmailLogin_TwoFactor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleHROfficer, "Human Resources")
	secret := f.enableTwoFactor(t, user.ID)

	f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil)
	f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(f.hash(t, "Secret#123"), nil)
	f.repo.On("TouchLastLogin", mock.Anything, user.ID, auth.LoginMethodEmail, mock.Anything).Return(nil)

	resp, err := f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "Secret#123"}, reqInfo)
	require.NoError(t, err)
	assert.True(t, resp.RequiresTwoFactor)
	assert.Empty(t, resp.Token)
	assert.Empty(t, resp.RefreshToken)
	assert.Nil(t, resp.User)
	f.repo.AssertNotCalled(t, "TouchLastLogin", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "Secret#123", TwoFactorCode: "000000"}, reqInfo)
	assert.Equal(t, apperrors.ErrInvalidTwoFactor, appErr(t, err).Code)

	code, err := f.twoFactor.GenerateCode(secret, totpEpoch.Add(30*time.Second))
	require.NoError(t, err)
	resp, err = f.svc.EmailLogin(ctx, EmailLoginRequest{Email: user.Email, Password: "Secret#123", TwoFactorCode: code}, reqInfo)
	require.NoError(t, err)
	assert.False(t, resp.RequiresTwoFactor)
	require.NotEmpty(t, resp.Token)

	claims, err := f.tokens.ValidateAccessToken(ctx, resp.Token)
	require.NoError(t, err)
	session, err := f.sessions.Get(ctx, claims.SessionID)
	require.NoError(t, err)
	assert.Equal(t, auth.SecurityHigh, session.SecurityLevel)
}

func TestLDAPLogin(t *testing.T) {
	ctx := context.Background()
	entry := &directory.Entry{
		DN:         "uid=jdoe,ou=people,dc=corp,dc=example",
		Username:   "jdoe",
		Name:       "John Doe",
		Email:      "jdoe@corp.example",
		Department: "Human Resources",
		Title:      "HR Specialist",
		Role:       "hr_officer",
	}

	t.Run("provisions unknown user", func(t *testing.T) {
		f := newFixture(t)
		f.dir.On("Authenticate", "jdoe", "pw").Return(entry, nil)
		f.repo.On("GetUserByLDAPID", mock.Anything, "jdoe").Return(nil, ErrUserNotFound)
		f.repo.On("GetUserByEmail", mock.Anything, entry.Email).Return(nil, ErrUserNotFound)
		f.repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *auth.User) bool {
			return u.Role == auth.RoleHROfficer &&
				u.Seniority == "mid" &&
				u.LoginMethod == auth.LoginMethodLDAP &&
				u.LDAPID == "jdoe" &&
				u.IsActive
		}), "").Run(func(args mock.Arguments) {
			args.Get(1).(*auth.User).ID = uuid.NewString()
		}).Return(nil)
		f.repo.On("TouchLastLogin", mock.Anything, mock.Anything, auth.LoginMethodLDAP, mock.Anything).Return(nil)

		resp, err := f.svc.LDAPLogin(ctx, LDAPLoginRequest{Username: " jdoe ", Password: "pw"}, reqInfo)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleHROfficer, resp.User.Role)
		assert.Equal(t, "HR Specialist", resp.User.JobTitle)
		assert.Contains(t, resp.Permissions, "employees.read.all")

		events := f.audit.byAction(audit.ActionLDAPLogin)
		require.Len(t, events, 1)
		assert.True(t, events[0].Success)
		f.repo.AssertExpectations(t)
	})

	t.Run("unmapped role falls back to ldap_user", func(t *testing.T) {
		f := newFixture(t)
		e := *entry
		e.Role = "wizard"
		f.dir.On("Authenticate", "jdoe", "pw").Return(&e, nil)
		f.repo.On("GetUserByLDAPID", mock.Anything, "jdoe").Return(nil, ErrUserNotFound)
		f.repo.On("GetUserByEmail", mock.Anything, entry.Email).Return(nil, ErrUserNotFound)
		f.repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *auth.User) bool {
			return u.Role == auth.RoleLDAPUser
		}), "").Return(nil)
		f.repo.On("TouchLastLogin", mock.Anything, mock.Anything, auth.LoginMethodLDAP, mock.Anything).Return(nil)

		resp, err := f.svc.LDAPLogin(ctx, LDAPLoginRequest{Username: "jdoe", Password: "pw"}, reqInfo)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleLDAPUser, resp.User.Role)
	})

	t.Run("links existing account by email", func(t *testing.T) {
		f := newFixture(t)
		existing := newUser(auth.RoleManager, "Sales")
		existing.Email = entry.Email
		f.dir.On("Authenticate", "jdoe", "pw").Return(entry, nil)
		f.repo.On("GetUserByLDAPID", mock.Anything, "jdoe").Return(nil, ErrUserNotFound)
		f.repo.On("GetUserByEmail", mock.Anything, entry.Email).Return(existing, nil)
		f.repo.On("LinkLDAP", mock.Anything, existing.ID, "jdoe").Return(nil)
		f.repo.On("TouchLastLogin", mock.Anything, existing.ID, auth.LoginMethodLDAP, mock.Anything).Return(nil)

		resp, err := f.svc.LDAPLogin(ctx, LDAPLoginRequest{Username: "jdoe", Password: "pw"}, reqInfo)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleManager, resp.User.Role, "stored role is kept")
		assert.Equal(t, "jdoe", resp.User.LDAPID)
		f.repo.AssertNotCalled(t, "CreateUser", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid credentials", func(t *testing.T) {
		f := newFixture(t)
		f.dir.On("Authenticate", "jdoe", "bad").Return(nil, directory.ErrInvalidCredentials)

		_, err := f.svc.LDAPLogin(ctx, LDAPLoginRequest{Username: "jdoe", Password: "bad"}, reqInfo)
		ae := appErr(t, err)
		assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
		assert.Equal(t, MsgBadLDAPCredentials, ae.Message)
		require.Len(t, f.audit.byAction(audit.ActionLDAPLogin), 1)
	})

	t.Run("directory down", func(t *testing.T) {
		f := newFixture(t)
		f.dir.On("Authenticate", "jdoe", "pw").Return(nil, errors.New("connection refused"))

		_, err := f.svc.LDAPLogin(ctx, LDAPLoginRequest{Username: "jdoe", Password: "pw"}, reqInfo)
		assert.Equal(t, http.StatusServiceUnavailable, appErr(t, err).StatusCode)
	})

	t.Run("not configured", func(t *testing.T) {
		svc := NewService(Deps{Repo: &MockRepository{}})
		_, err := svc.LDAPLogin(ctx, LDAPLoginRequest{Username: "jdoe", Password: "pw"}, reqInfo)
		assert.Equal(t, http.StatusBadRequest, appErr(t, err).StatusCode)
	})
}

func TestSSOLogin(t *testing.T) {
	ctx := context.Background()
	identity := &sso.Identity{
		Provider: "corp",
		Subject:  "idp-1",
		Email:    "jane@corp.example",
		Name:     "Jane Doe",
		Role:     auth.RoleHRHead,
	}

	t.Run("provisions on first login", func(t *testing.T) {
		f := newFixture(t)
		f.sso.On("Complete", mock.Anything, "corp", "code", "state").Return(identity, nil)
		f.repo.On("GetUserByEmail", mock.Anything, identity.Email).Return(nil, ErrUserNotFound)
		f.repo.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *auth.User) bool {
			return u.Role == auth.RoleHRHead && u.LoginMethod == auth.LoginMethodSSO && u.Attributes["ssoSubject"] == "idp-1"
		}), "").Run(func(args mock.Arguments) {
			args.Get(1).(*auth.User).ID = uuid.NewString()
		}).Return(nil)
		f.repo.On("TouchLastLogin", mock.Anything, mock.Anything, auth.LoginMethodSSO, mock.Anything).Return(nil)

		resp, err := f.svc.SSOLogin(ctx, "corp", SSOCallbackRequest{Code: "code", State: "state"}, reqInfo)
		require.NoError(t, err)
		assert.Contains(t, resp.Permissions, "audit.read.all")
		require.Len(t, f.audit.byAction(audit.ActionSSOLogin), 1)
	})

	t.Run("invalid state", func(t *testing.T) {
		f := newFixture(t)
		f.sso.On("Complete", mock.Anything, "corp", "code", "stale").Return(nil, sso.ErrInvalidState)

		_, err := f.svc.SSOLogin(ctx, "corp", SSOCallbackRequest{Code: "code", State: "stale"}, reqInfo)
		assert.Equal(t, http.StatusBadRequest, appErr(t, err).StatusCode)
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := newFixture(t)
		f.sso.On("Begin", mock.Anything, "nope").Return(nil, sso.ErrUnknownProvider)

		_, err := f.svc.SSOBegin(ctx, "nope")
		assert.Equal(t, apperrors.ErrProviderNotFound, appErr(t, err).Code)
	})
}

func login(t *testing.T, f *fixture, user *auth.User) *LoginResponse {
	t.Helper()
	f.repo.On("GetUserByEmail", mock.Anything, user.Email).Return(user, nil).Maybe()
	f.repo.On("GetPasswordHash", mock.Anything, user.ID).Return(f.hash(t, "Secret#123"), nil).Maybe()
	f.repo.On("TouchLastLogin", mock.Anything, user.ID, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.repo.On("GetUser", mock.Anything, user.ID).Return(user, nil).Maybe()

	resp, err := f.svc.EmailLogin(context.Background(), EmailLoginRequest{Email: user.Email, Password: "Secret#123"}, reqInfo)
	require.NoError(t, err)
	return resp
}

func sessionOf(t *testing.T, f *fixture, token string) string {
	t.Helper()
	claims, err := f.tokens.ValidateAccessToken(context.Background(), token)
	require.NoError(t, err)
	return claims.SessionID
}

func TestRefreshAndLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)

	refreshed, err := f.svc.Refresh(ctx, resp.RefreshToken, reqInfo)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.Token)
	assert.Equal(t, resp.RefreshToken, refreshed.RefreshToken)
	require.NotNil(t, refreshed.SessionExpiry)
	require.Len(t, f.audit.byAction(audit.ActionTokenRefresh), 1)

	_, err = f.svc.Refresh(ctx, resp.Token, reqInfo)
	assert.Equal(t, apperrors.ErrInvalidToken, appErr(t, err).Code, "access token is not a refresh token")

	sid := sessionOf(t, f, resp.Token)
	require.NoError(t, f.svc.Logout(ctx, user, resp.Token, resp.RefreshToken, sid, reqInfo))

	_, err = f.sessions.Get(ctx, sid)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
	_, err = f.tokens.ValidateAccessToken(ctx, resp.Token)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)
	_, err = f.svc.Refresh(ctx, resp.RefreshToken, reqInfo)
	assert.Equal(t, apperrors.ErrInvalidToken, appErr(t, err).Code)
	require.Len(t, f.audit.byAction(audit.ActionLogout), 1)
}

func TestLogout_KeepsForeignRefreshToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	victim := newUser(auth.RoleEmployee, "Sales")
	caller := newUser(auth.RoleManager, "Sales")
	victimResp := login(t, f, victim)
	callerResp := login(t, f, caller)

	sid := sessionOf(t, f, callerResp.Token)
	require.NoError(t, f.svc.Logout(ctx, caller, callerResp.Token, victimResp.RefreshToken, sid, reqInfo))

	refreshed, err := f.svc.Refresh(ctx, victimResp.RefreshToken, reqInfo)
	require.NoError(t, err)
	assert.Equal(t, victim.ID, refreshed.User.ID)

	_, err = f.tokens.ValidateAccessToken(ctx, callerResp.Token)
	assert.ErrorIs(t, err, auth.ErrTokenRevoked)
}

func TestRefresh_SessionGone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)

	require.NoError(t, f.sessions.Delete(ctx, sessionOf(t, f, resp.Token)))

	_, err := f.svc.Refresh(ctx, resp.RefreshToken, reqInfo)
	assert.Equal(t, MsgSessionExpired, appErr(t, err).Message)
}

func TestProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)
	sid := sessionOf(t, f, resp.Token)

	name := "  Renamed  "
	updated := *user
	updated.Name = "Renamed"
	f.repo.On("UpdateProfile", mock.Anything, user.ID, mock.MatchedBy(func(u ProfileUpdate) bool {
		return u.Name != nil && *u.Name == "Renamed" && u.Avatar == nil
	})).Return(&updated, nil)

	got, err := f.svc.UpdateProfile(ctx, user.ID, sid, ProfileUpdate{Name: &name}, reqInfo)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	require.Len(t, f.audit.byAction(audit.ActionProfileUpdate), 1)

	blank := "   "
	_, err = f.svc.UpdateProfile(ctx, user.ID, sid, ProfileUpdate{Name: &blank}, reqInfo)
	assert.Equal(t, apperrors.ErrValidation, appErr(t, err).Code)

	profile, err := f.svc.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, profile.ID)

	f.repo.On("GetUser", mock.Anything, "missing").Return(nil, ErrUserNotFound)
	_, err = f.svc.Profile(ctx, "missing")
	assert.Equal(t, apperrors.ErrUserNotFound, appErr(t, err).Code)
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)
	sid := sessionOf(t, f, resp.Token)
	other := sessionOf(t, f, login(t, f, user).Token)

	err := f.svc.ChangePassword(ctx, user.ID, sid, ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "Better#456"}, reqInfo)
	assert.Equal(t, MsgBadCurrentPassword, appErr(t, err).Message)

	err = f.svc.ChangePassword(ctx, user.ID, sid, ChangePasswordRequest{CurrentPassword: "Secret#123", NewPassword: "short"}, reqInfo)
	assert.Equal(t, apperrors.ErrValidation, appErr(t, err).Code)

	f.repo.On("UpdatePassword", mock.Anything, user.ID, mock.AnythingOfType("string")).Return(nil).Once()
	err = f.svc.ChangePassword(ctx, user.ID, sid, ChangePasswordRequest{CurrentPassword: "Secret#123", NewPassword: "Better#456"}, reqInfo)
	require.NoError(t, err)

	_, err = f.sessions.Get(ctx, other)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound, "other sessions end with a password change")
	current, err := f.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, auth.SecurityHigh, current.SecurityLevel)

	events := f.audit.byAction(audit.ActionPasswordChange)
	require.Len(t, events, 2)
	assert.False(t, events[0].Success)
	assert.True(t, events[1].Success)
	f.repo.AssertExpectations(t)
}

func TestTwoFactorLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)
	sid := sessionOf(t, f, resp.Token)

	enrollment, err := f.svc.EnableTwoFactor(ctx, user)
	require.NoError(t, err)
	assert.Contains(t, enrollment.URL, "otpauth://totp/")

	_, err = f.svc.VerifyTwoFactor(ctx, user, sid, "000000", reqInfo)
	assert.Equal(t, apperrors.ErrInvalidTwoFactor, appErr(t, err).Code)

	code, err := f.twoFactor.GenerateCode(enrollment.Secret, totpEpoch)
	require.NoError(t, err)
	status, err := f.svc.VerifyTwoFactor(ctx, user, sid, code, reqInfo)
	require.NoError(t, err)
	assert.True(t, status.Enabled)

	session, err := f.sessions.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, auth.SecurityHigh, session.SecurityLevel)

	_, err = f.svc.EnableTwoFactor(ctx, user)
	assert.Equal(t, http.StatusConflict, appErr(t, err).StatusCode)

	next, err := f.twoFactor.GenerateCode(enrollment.Secret, totpEpoch.Add(30*time.Second))
	require.NoError(t, err)
	status, err = f.svc.DisableTwoFactor(ctx, user, next, reqInfo)
	require.NoError(t, err)
	assert.False(t, status.Enabled)

	enabled, err := f.twoFactor.Enabled(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.Len(t, f.audit.byAction(audit.ActionTwoFactorEnable), 2)
	require.Len(t, f.audit.byAction(audit.ActionTwoFactorDisable), 1)
}

func TestCheckPermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	manager := newUser(auth.RoleManager, "Sales")
	teammate := newUser(auth.RoleEmployee, "Sales")
	outsider := newUser(auth.RoleEmployee, "Finance")
	admin := newUser(auth.RoleAdmin, "IT")
	for _, u := range []*auth.User{manager, teammate, outsider, admin} {
		f.repo.On("GetUser", mock.Anything, u.ID).Return(u, nil)
	}
	f.repo.On("GetUser", mock.Anything, "missing").Return(nil, ErrUserNotFound)

	granted := newUser(auth.RoleEmployee, "Sales")
	granted.Permissions = []auth.Permission{{ID: "p-1", Resource: "reports", Action: "export", Scope: auth.ScopeAll}}

	tests := []struct {
		name       string
		caller     *auth.User
		check      auth.PermissionCheck
		wantAccess bool
		wantSource auth.DecisionSource
		wantReason string
	}{
		{"role grant", manager, auth.PermissionCheck{Resource: "leaves", Action: "approve", Scope: auth.ScopeTeam}, true, auth.SourceRole, auth.ReasonGranted},
		{"scope too wide", manager, auth.PermissionCheck{Resource: "leaves", Action: "approve", Scope: auth.ScopeAll}, false, auth.SourceRole, "Permission refusée"},
		{"target in team", manager, auth.PermissionCheck{Resource: "employees", Action: "read", Scope: auth.ScopeTeam, TargetID: teammate.ID}, true, auth.SourceRole, auth.ReasonGranted},
		{"target outside team", manager, auth.PermissionCheck{Resource: "employees", Action: "read", Scope: auth.ScopeTeam, TargetID: outsider.ID}, false, auth.SourceNone, "Permission refusée"},
		{"unscoped target outside grant", teammate, auth.PermissionCheck{Resource: "profile", Action: "read", TargetID: outsider.ID}, false, auth.SourceNone, "Permission refusée"},
		{"unscoped target in department but not self", teammate, auth.PermissionCheck{Resource: "leaves", Action: "read", TargetID: manager.ID}, false, auth.SourceNone, "Permission refusée"},
		{"unscoped target in team", manager, auth.PermissionCheck{Resource: "employees", Action: "read", TargetID: teammate.ID}, true, auth.SourceRole, auth.ReasonGranted},
		{"unknown target", manager, auth.PermissionCheck{Resource: "employees", Action: "read", TargetID: "missing"}, false, auth.SourceNone, "Permission refusée"},
		{"self target", teammate, auth.PermissionCheck{Resource: "profile", Action: "read", Scope: auth.ScopeSelf, TargetID: teammate.ID}, true, auth.SourceRole, auth.ReasonGranted},
		{"explicit grant", granted, auth.PermissionCheck{Resource: "reports", Action: "export", Scope: auth.ScopeAll}, true, auth.SourceExplicit, auth.ReasonGranted},
		{"nothing matches", teammate, auth.PermissionCheck{Resource: "system", Action: "configure"}, false, auth.SourceNone, "Permission refusée"},
		{"admin checks another user", admin, auth.PermissionCheck{Resource: "leaves", Action: "approve", Scope: auth.ScopeTeam, UserID: teammate.ID}, false, auth.SourceNone, "Permission refusée"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.svc.CheckPermission(ctx, tt.caller, tt.check, reqInfo)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccess, resp.HasAccess)
			assert.Equal(t, tt.wantSource, resp.Source)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}

	assert.Len(t, f.audit.byAction(audit.ActionPermissionCheck), len(tests))

	t.Run("other user needs user management", func(t *testing.T) {
		_, err := f.svc.CheckPermission(ctx, manager, auth.PermissionCheck{Resource: "profile", Action: "read", UserID: teammate.ID}, reqInfo)
		assert.Equal(t, http.StatusForbidden, appErr(t, err).StatusCode)
	})
}

func TestCheckPermission_PolicyDeny(t *testing.T) {
	f := newFixture(t)
	f.svc.policy = denyAll{reason: "blocked by site policy"}

	head := newUser(auth.RoleHRHead, "Human Resources")
	resp, err := f.svc.CheckPermission(context.Background(), head, auth.PermissionCheck{Resource: "audit", Action: "read", Scope: auth.ScopeAll}, reqInfo)
	require.NoError(t, err)
	assert.False(t, resp.HasAccess)
	assert.Equal(t, auth.SourcePolicy, resp.Source)
	assert.Equal(t, "blocked by site policy", resp.Reason)
}

func TestExtendSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := newUser(auth.RoleEmployee, "Sales")
	resp := login(t, f, user)
	sid := sessionOf(t, f, resp.Token)

	got, err := f.svc.ExtendSession(ctx, user, sid, reqInfo)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionExpiry.Add(auth.SessionExtension).Unix(), got.SessionExpiry.Unix())

	other := newUser(auth.RoleEmployee, "Sales")
	_, err = f.svc.ExtendSession(ctx, other, sid, reqInfo)
	assert.Equal(t, apperrors.ErrSessionNotFound, appErr(t, err).Code)

	_, err = f.svc.ExtendSession(ctx, user, "", reqInfo)
	assert.Equal(t, http.StatusBadRequest, appErr(t, err).StatusCode)
}

func TestGrantAndRevokePermission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	admin := newUser(auth.RoleAdmin, "IT")
	target := newUser(auth.RoleEmployee, "Sales")
	f.repo.On("GetUser", mock.Anything, target.ID).Return(target, nil)
	f.repo.On("GetUser", mock.Anything, "missing").Return(nil, ErrUserNotFound)

	f.repo.On("GrantPermission", mock.Anything, target.ID, mock.MatchedBy(func(p *auth.Permission) bool {
		return p.String() == "reports.export.department" && p.Name == "reports.export.department"
	}), admin.ID).Run(func(args mock.Arguments) {
		args.Get(2).(*auth.Permission).ID = "7f0c7f0e-1d1c-4d2a-9b1e-3c1f9a7e2b10"
	}).Return(nil)

	p, err := f.svc.GrantPermission(ctx, admin, target.ID, GrantRequest{Resource: "reports", Action: "export", Scope: auth.ScopeDepartment}, reqInfo)
	require.NoError(t, err)
	assert.Equal(t, "7f0c7f0e-1d1c-4d2a-9b1e-3c1f9a7e2b10", p.ID)

	_, err = f.svc.GrantPermission(ctx, admin, "missing", GrantRequest{Resource: "reports", Action: "export", Scope: auth.ScopeAll}, reqInfo)
	assert.Equal(t, apperrors.ErrUserNotFound, appErr(t, err).Code)

	f.repo.On("RevokePermission", mock.Anything, target.ID, p.ID).Return(nil).Once()
	require.NoError(t, f.svc.RevokePermission(ctx, admin, target.ID, p.ID, reqInfo))

	f.repo.On("RevokePermission", mock.Anything, target.ID, "gone").Return(ErrPermissionNotFound)
	err = f.svc.RevokePermission(ctx, admin, target.ID, "gone", reqInfo)
	assert.Equal(t, apperrors.ErrPermissionNotFound, appErr(t, err).Code)

	grants := f.audit.byAction(audit.ActionPermissionGrant)
	require.Len(t, grants, 1)
	assert.Equal(t, audit.SeverityWarning, grants[0].Severity)
	assert.Equal(t, target.ID, grants[0].Details["userId"])
	require.Len(t, f.audit.byAction(audit.ActionPermissionRevoke), 1)
}

func TestMatrixAndPermissions(t *testing.T) {
	f := newFixture(t)

	matrix := f.svc.Matrix()
	assert.True(t, matrix[auth.RoleAdmin]["users.manage"])
	assert.False(t, matrix[auth.RoleEmployee]["users.manage"])
	assert.True(t, matrix[auth.RoleManager]["leaves.approve"])

	user := newUser(auth.RoleEmployee, "Sales")
	user.Permissions = []auth.Permission{{ID: "x", Resource: "reports", Action: "read", Scope: auth.ScopeDepartment}}
	perms := f.svc.Permissions(user)
	require.NotEmpty(t, perms.Strings)
	assert.Equal(t, "reports.read.department", perms.Strings[0])
	assert.Len(t, perms.Permissions, len(perms.Strings))
}
