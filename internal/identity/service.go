package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/hrportal/hrportal/internal/audit"
	"github.com/hrportal/hrportal/internal/auth"
	apperrors "github.com/hrportal/hrportal/internal/common/errors"
	applog "github.com/hrportal/hrportal/internal/common/logger"
	"github.com/hrportal/hrportal/internal/common/middleware"
	"github.com/hrportal/hrportal/internal/common/tracing"
	"github.com/hrportal/hrportal/internal/common/validation"
	"github.com/hrportal/hrportal/internal/directory"
	"github.com/hrportal/hrportal/internal/mfa"
	"github.com/hrportal/hrportal/internal/sso"
)

// Messages returned to the portal front end
const (
	MsgBadEmailCredentials = "Email ou mot de passe incorrect"
	MsgBadLDAPCredentials  = "Identifiants LDAP invalides"
	MsgBadCurrentPassword  = "Mot de passe actuel incorrect"
	MsgSessionExpired      = "Session expirée"
)

// SSOFlow runs the OpenID Connect login against named providers
type SSOFlow interface {
	Providers() []string
	Begin(ctx context.Context, provider string) (*sso.AuthRequest, error)
	Complete(ctx context.Context, provider, code, state string) (*sso.Identity, error)
}

// TwoFactor manages TOTP enrollment and verification
type TwoFactor interface {
	Enroll(ctx context.Context, userID, accountName string) (*mfa.Enrollment, error)
	Confirm(ctx context.Context, userID, code string) error
	Enabled(ctx context.Context, userID string) (bool, error)
	Verify(ctx context.Context, userID, code string) error
	Disable(ctx context.Context, userID, code string) error
}

// Deps are the collaborators of Service. Directory, SSO, TwoFactor, Audit
// and Policy are optional.
type Deps struct {
	Repo      Repository
	Tokens    *auth.TokenService
	Sessions  *auth.SessionService
	Passwords *auth.PasswordService
	Evaluator *auth.Evaluator
	Directory directory.Authenticator
	SSO       SSOFlow
	TwoFactor TwoFactor
	Audit     *audit.Service
	Policy    auth.PolicyGuard
	Logger    *zap.Logger
}

// Service implements login, session and permission operations for portal users
type Service struct {
	repo      Repository
	tokens    *auth.TokenService
	sessions  *auth.SessionService
	passwords *auth.PasswordService
	evaluator *auth.Evaluator
	directory directory.Authenticator
	sso       SSOFlow
	twoFactor TwoFactor
	audit     *audit.Service
	policy    auth.PolicyGuard
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates the identity service
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	evaluator := d.Evaluator
	if evaluator == nil {
		evaluator = auth.DefaultEvaluator()
	}
	passwords := d.Passwords
	if passwords == nil {
		passwords = auth.NewPasswordService()
	}
	return &Service{
		repo:      d.Repo,
		tokens:    d.Tokens,
		sessions:  d.Sessions,
		passwords: passwords,
		evaluator: evaluator,
		directory: d.Directory,
		sso:       d.SSO,
		twoFactor: d.TwoFactor,
		audit:     d.Audit,
		policy:    d.Policy,
		logger:    logger.With(zap.String("component", "identity")),
		now:       time.Now,
	}
}

// LoadUser implements auth.UserLoader for the authentication middleware
func (s *Service) LoadUser(ctx context.Context, id string) (*auth.User, error) {
	return s.repo.GetUser(ctx, id)
}

// EmailLogin authenticates with email and password. When the account has 2FA
// and no code is given, the response only sets RequiresTwoFactor.
func (s *Service) EmailLogin(ctx context.Context, req EmailLoginRequest, client ClientInfo) (*LoginResponse, error) {
	email := validation.SanitizeEmail(req.Email)

	fail := func(userID, reason string) error {
		s.recordLogin(ctx, audit.ActionEmailLogin, userID, client, false, map[string]interface{}{"email": email, "reason": reason})
		middleware.RecordAuthAttempt(string(auth.LoginMethodEmail), false)
		return apperrors.New(apperrors.ErrInvalidCredentials, MsgBadEmailCredentials, http.StatusUnauthorized)
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, fail("", "unknown email")
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to load user", err)
	}

	hash, err := s.repo.GetPasswordHash(ctx, user.ID)
	if err != nil {
		return nil, apperrors.Internal("Failed to load credentials", err)
	}
	if hash == "" {
		return nil, fail(user.ID, "no local password")
	}
	ok, err := s.passwords.Verify(req.Password, hash)
	if err != nil {
		s.logger.Warn("stored password hash is unreadable", zap.String("user_id", user.ID), zap.Error(err))
	}
	if !ok {
		return nil, fail(user.ID, "wrong password")
	}
	if !user.IsActive {
		s.recordLogin(ctx, audit.ActionEmailLogin, user.ID, client, false, map[string]interface{}{"reason": "account disabled"})
		middleware.RecordAuthAttempt(string(auth.LoginMethodEmail), false)
		return nil, apperrors.UserDisabled(user.ID)
	}

	if s.passwords.NeedsRehash(hash) {
		s.rehash(ctx, user.ID, req.Password)
	}

	verified := false
	if s.twoFactor != nil {
		enabled, err := s.twoFactor.Enabled(ctx, user.ID)
		if err != nil {
			return nil, apperrors.Internal("Failed to check two-factor status", err)
		}
		if enabled {
			if req.TwoFactorCode == "" {
				return &LoginResponse{Permissions: []string{}, RequiresTwoFactor: true}, nil
			}
			if err := s.twoFactor.Verify(ctx, user.ID, req.TwoFactorCode); err != nil {
				s.recordLogin(ctx, audit.ActionTwoFactorVerify, user.ID, client, false, nil)
				middleware.RecordAuthAttempt(string(auth.LoginMethodEmail), false)
				return nil, twoFactorError(err)
			}
			verified = true
		}
	}

	resp, err := s.completeLogin(ctx, user, auth.LoginMethodEmail, client)
	if err != nil {
		return nil, err
	}
	if verified {
		s.recordSessionEvent(ctx, resp, auth.EventTwoFactorVerified)
	}
	s.recordLogin(ctx, audit.ActionEmailLogin, user.ID, client, true, nil)
	return resp, nil
}

func (s *Service) rehash(ctx context.Context, userID, password string) {
	hash, err := s.passwords.Hash(password)
	if err == nil {
		err = s.repo.UpdatePassword(ctx, userID, hash)
	}
	if err != nil {
		s.logger.Warn("password rehash failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.logger.Info("upgraded password hash", zap.String("user_id", userID))
}

// LDAPLogin binds against the directory and provisions unknown users
func (s *Service) LDAPLogin(ctx context.Context, req LDAPLoginRequest, client ClientInfo) (*LoginResponse, error) {
	if s.directory == nil {
		return nil, apperrors.BadRequest("LDAP login is not enabled")
	}
	username := validation.SanitizeUsername(req.Username)

	entry, err := s.directory.Authenticate(username, req.Password)
	if err != nil {
		s.recordLogin(ctx, audit.ActionLDAPLogin, "", client, false, map[string]interface{}{"username": username})
		middleware.RecordAuthAttempt(string(auth.LoginMethodLDAP), false)
		switch {
		case errors.Is(err, directory.ErrInvalidCredentials):
			return nil, apperrors.New(apperrors.ErrInvalidCredentials, MsgBadLDAPCredentials, http.StatusUnauthorized)
		case errors.Is(err, directory.ErrDisabled):
			return nil, apperrors.BadRequest("LDAP login is not enabled")
		}
		s.logger.Error("directory authentication failed", zap.String("username", username), zap.Error(err))
		return nil, apperrors.Wrap(err, apperrors.ErrInternal, "Directory unavailable", http.StatusServiceUnavailable)
	}

	user, err := s.directoryUser(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		s.recordLogin(ctx, audit.ActionLDAPLogin, user.ID, client, false, map[string]interface{}{"reason": "account disabled"})
		middleware.RecordAuthAttempt(string(auth.LoginMethodLDAP), false)
		return nil, apperrors.UserDisabled(user.ID)
	}

	resp, err := s.completeLogin(ctx, user, auth.LoginMethodLDAP, client)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, audit.ActionLDAPLogin, user.ID, client, true, map[string]interface{}{"username": entry.Username})
	return resp, nil
}

// directoryUser finds the account for a directory entry by LDAP id, then by
// email, and creates it when neither exists.
func (s *Service) directoryUser(ctx context.Context, entry *directory.Entry) (*auth.User, error) {
	user, err := s.repo.GetUserByLDAPID(ctx, entry.Username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.Internal("Failed to load user", err)
	}

	user, err = s.repo.GetUserByEmail(ctx, entry.Email)
	if err == nil {
		if linkErr := s.repo.LinkLDAP(ctx, user.ID, entry.Username); linkErr != nil {
			s.logger.Warn("failed to link directory account", zap.String("user_id", user.ID), zap.Error(linkErr))
		} else {
			user.LDAPID = entry.Username
		}
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.Internal("Failed to load user", err)
	}

	role, err := auth.ParseRole(entry.Role)
	if err != nil {
		role = auth.RoleLDAPUser
	}
	user = &auth.User{
		Email:       entry.Email,
		Name:        entry.Name,
		Role:        role,
		Department:  entry.Department,
		JobTitle:    entry.Title,
		Seniority:   "mid",
		IsActive:    true,
		LoginMethod: auth.LoginMethodLDAP,
		LDAPID:      entry.Username,
		Permissions: []auth.Permission{},
	}
	if err := s.repo.CreateUser(ctx, user, ""); err != nil {
		return nil, asAppError(err, "Failed to provision user")
	}
	s.logger.Info("provisioned directory user",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)),
	)
	return user, nil
}

// SSOProviders lists the configured SSO provider names
func (s *Service) SSOProviders() []string {
	if s.sso == nil {
		return []string{}
	}
	return s.sso.Providers()
}

// SSOBegin starts an authorization code flow with provider
func (s *Service) SSOBegin(ctx context.Context, provider string) (*sso.AuthRequest, error) {
	if s.sso == nil {
		return nil, apperrors.ProviderNotFound(provider)
	}
	req, err := s.sso.Begin(ctx, provider)
	if errors.Is(err, sso.ErrUnknownProvider) {
		return nil, apperrors.ProviderNotFound(provider)
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to start SSO login", err)
	}
	return req, nil
}

// SSOLogin completes the flow and logs the user in, creating the account on first use
func (s *Service) SSOLogin(ctx context.Context, provider string, req SSOCallbackRequest, client ClientInfo) (*LoginResponse, error) {
	if s.sso == nil {
		return nil, apperrors.ProviderNotFound(provider)
	}

	id, err := s.sso.Complete(ctx, provider, req.Code, req.State)
	if err != nil {
		s.recordLogin(ctx, audit.ActionSSOLogin, "", client, false, map[string]interface{}{"provider": provider})
		middleware.RecordAuthAttempt(string(auth.LoginMethodSSO), false)
		switch {
		case errors.Is(err, sso.ErrUnknownProvider):
			return nil, apperrors.ProviderNotFound(provider)
		case errors.Is(err, sso.ErrInvalidState):
			return nil, apperrors.BadRequest("Invalid or expired SSO state")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrInvalidCredentials, "SSO authentication failed", http.StatusUnauthorized)
	}

	user, err := s.repo.GetUserByEmail(ctx, id.Email)
	if errors.Is(err, ErrUserNotFound) {
		user = &auth.User{
			Email:       id.Email,
			Name:        id.Name,
			Role:        id.Role,
			Department:  id.Department,
			IsActive:    true,
			LoginMethod: auth.LoginMethodSSO,
			Permissions: []auth.Permission{},
			Attributes:  map[string]interface{}{"ssoProvider": id.Provider, "ssoSubject": id.Subject},
		}
		if err := s.repo.CreateUser(ctx, user, ""); err != nil {
			return nil, asAppError(err, "Failed to provision user")
		}
		s.logger.Info("provisioned sso user", zap.String("user_id", user.ID), zap.String("provider", id.Provider))
	} else if err != nil {
		return nil, apperrors.Internal("Failed to load user", err)
	}

	if !user.IsActive {
		s.recordLogin(ctx, audit.ActionSSOLogin, user.ID, client, false, map[string]interface{}{"reason": "account disabled"})
		middleware.RecordAuthAttempt(string(auth.LoginMethodSSO), false)
		return nil, apperrors.UserDisabled(user.ID)
	}

	resp, err := s.completeLogin(ctx, user, auth.LoginMethodSSO, client)
	if err != nil {
		return nil, err
	}
	s.recordLogin(ctx, audit.ActionSSOLogin, user.ID, client, true, map[string]interface{}{"provider": provider})
	return resp, nil
}

func (s *Service) completeLogin(ctx context.Context, user *auth.User, method auth.LoginMethod, client ClientInfo) (*LoginResponse, error) {
	session, err := s.sessions.Create(ctx, auth.NewSessionInput{
		UserID:      user.ID,
		LoginMethod: method,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
	})
	if err != nil {
		return nil, apperrors.Internal("Failed to create session", err)
	}
	middleware.RecordSecurityLevel(string(session.SecurityLevel))

	pair, err := s.tokens.GenerateTokenPair(ctx, user.ID, user.Role, session.ID)
	if err != nil {
		_ = s.sessions.Delete(ctx, session.ID)
		return nil, apperrors.Internal("Failed to issue tokens", err)
	}

	now := s.now().UTC()
	if err := s.repo.TouchLastLogin(ctx, user.ID, method, now); err != nil {
		s.logger.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLogin = &now
		user.LoginMethod = method
	}

	middleware.RecordAuthAttempt(string(method), true)
	applog.WithTraceContext(applog.WithUserID(s.logger, user.ID), ctx).Info("login succeeded",
		zap.String("method", string(method)),
		zap.String("session_id", session.ID),
		zap.String("ip_address", client.IPAddress),
	)
	expiry := session.ExpiresAt
	return &LoginResponse{
		User:          user,
		Token:         pair.AccessToken,
		RefreshToken:  pair.RefreshToken,
		Permissions:   auth.PermissionStrings(s.evaluator.EffectivePermissions(user)),
		SessionExpiry: &expiry,
	}, nil
}

// Refresh issues a new access token. The refresh token itself is returned unchanged.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*LoginResponse, error) {
	claims, err := s.tokens.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		middleware.RecordAuthAttempt("refresh", false)
		return nil, tokenError(err)
	}

	user, err := s.repo.GetUser(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.InvalidToken("unknown subject")
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to load user", err)
	}
	if !user.IsActive {
		return nil, apperrors.UserDisabled(user.ID)
	}

	var expiry *time.Time
	if claims.SessionID != "" {
		session, err := s.sessions.RecordEvent(ctx, claims.SessionID, auth.EventRefreshSucceeded)
		if err != nil {
			middleware.RecordAuthAttempt("refresh", false)
			if errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrSessionExpired) {
				return nil, apperrors.New(apperrors.ErrTokenExpired, MsgSessionExpired, http.StatusUnauthorized)
			}
			return nil, apperrors.Internal("Failed to update session", err)
		}
		middleware.RecordSecurityLevel(string(session.SecurityLevel))
		expiry = &session.ExpiresAt
	}

	access, _, err := s.tokens.RefreshAccessToken(ctx, refreshToken, user.Role)
	if err != nil {
		return nil, tokenError(err)
	}

	middleware.RecordAuthAttempt("refresh", true)
	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionTokenRefresh,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
	})
	return &LoginResponse{
		User:          user,
		Token:         access,
		RefreshToken:  refreshToken,
		Permissions:   auth.PermissionStrings(s.evaluator.EffectivePermissions(user)),
		SessionExpiry: expiry,
	}, nil
}

// Logout revokes the given tokens and deletes the server session
func (s *Service) Logout(ctx context.Context, user *auth.User, accessToken, refreshToken, sessionID string, client ClientInfo) error {
	if accessToken != "" {
		if err := s.tokens.RevokeToken(ctx, accessToken); err != nil {
			s.logger.Warn("failed to revoke access token", zap.Error(err))
		}
	}
	if refreshToken != "" {
		s.revokeOwnRefreshToken(ctx, user, refreshToken)
	}
	if sessionID != "" {
		if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			return apperrors.Internal("Failed to delete session", err)
		}
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionLogout,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
	})
	return nil
}

// revokeOwnRefreshToken revokes refreshToken only when it belongs to user
func (s *Service) revokeOwnRefreshToken(ctx context.Context, user *auth.User, refreshToken string) {
	claims, err := s.tokens.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		s.logger.Debug("refresh token not revoked", zap.Error(err))
		return
	}
	if claims.Subject != user.ID {
		s.logger.Warn("refusing to revoke refresh token of another user",
			zap.String("user_id", user.ID),
			zap.String("token_subject", claims.Subject))
		return
	}
	if err := s.tokens.RevokeToken(ctx, refreshToken); err != nil {
		s.logger.Warn("failed to revoke refresh token", zap.Error(err))
	}
}

// Profile returns the current account with its explicit permissions
func (s *Service) Profile(ctx context.Context, userID string) (*auth.User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.UserNotFound(userID)
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to load user", err)
	}
	return user, nil
}

// UpdateProfile changes the name and avatar of the current user
func (s *Service) UpdateProfile(ctx context.Context, userID, sessionID string, update ProfileUpdate, client ClientInfo) (*auth.User, error) {
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return nil, apperrors.ValidationError("name must not be empty")
		}
		update.Name = &name
	}

	user, err := s.repo.UpdateProfile(ctx, userID, update)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.UserNotFound(userID)
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to update profile", err)
	}

	s.recordEvent(ctx, sessionID, auth.EventProfileUpdated)
	s.audit.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionProfileUpdate,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
	})
	return user, nil
}

// ChangePassword verifies the current password and stores a new hash
func (s *Service) ChangePassword(ctx context.Context, userID, sessionID string, req ChangePasswordRequest, client ClientInfo) error {
	hash, err := s.repo.GetPasswordHash(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return apperrors.UserNotFound(userID)
	}
	if err != nil {
		return apperrors.Internal("Failed to load credentials", err)
	}
	if hash == "" {
		return apperrors.BadRequest("Account has no local password")
	}

	ok, _ := s.passwords.Verify(req.CurrentPassword, hash)
	if !ok {
		s.audit.Record(ctx, audit.Event{
			UserID:    userID,
			Action:    audit.ActionPasswordChange,
			IPAddress: client.IPAddress,
			UserAgent: client.UserAgent,
			Success:   false,
		})
		return apperrors.New(apperrors.ErrInvalidCredentials, MsgBadCurrentPassword, http.StatusUnauthorized)
	}
	if err := s.passwords.Validate(req.NewPassword); err != nil {
		return apperrors.ValidationError(err.Error())
	}

	newHash, err := s.passwords.Hash(req.NewPassword)
	if err != nil {
		return apperrors.Internal("Failed to hash password", err)
	}
	if err := s.repo.UpdatePassword(ctx, userID, newHash); err != nil {
		return apperrors.Internal("Failed to update password", err)
	}

	s.endOtherSessions(ctx, userID, sessionID)
	s.recordEvent(ctx, sessionID, auth.EventPasswordChanged)
	s.audit.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    audit.ActionPasswordChange,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
	})
	return nil
}

// endOtherSessions drops every session of userID except keep
func (s *Service) endOtherSessions(ctx context.Context, userID, keep string) {
	sessions, err := s.sessions.GetByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to list sessions", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, session := range sessions {
		if session.ID == keep {
			continue
		}
		if err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger.Warn("failed to end session", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}

// EnableTwoFactor starts TOTP enrollment for user
func (s *Service) EnableTwoFactor(ctx context.Context, user *auth.User) (*mfa.Enrollment, error) {
	if s.twoFactor == nil {
		return nil, apperrors.BadRequest("Two-factor authentication is not available")
	}
	enrollment, err := s.twoFactor.Enroll(ctx, user.ID, user.Email)
	if errors.Is(err, mfa.ErrAlreadyEnabled) {
		return nil, apperrors.Conflict(err.Error())
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to start enrollment", err)
	}
	return enrollment, nil
}

// VerifyTwoFactor confirms a pending enrollment, or checks a code when 2FA is
// already enabled. Either way the session is raised.
func (s *Service) VerifyTwoFactor(ctx context.Context, user *auth.User, sessionID, code string, client ClientInfo) (*TwoFactorStatus, error) {
	if s.twoFactor == nil {
		return nil, apperrors.BadRequest("Two-factor authentication is not available")
	}
	enabled, err := s.twoFactor.Enabled(ctx, user.ID)
	if err != nil {
		return nil, apperrors.Internal("Failed to check two-factor status", err)
	}

	action, event := audit.ActionTwoFactorVerify, auth.EventTwoFactorVerified
	if enabled {
		err = s.twoFactor.Verify(ctx, user.ID, code)
	} else {
		action, event = audit.ActionTwoFactorEnable, auth.EventTwoFactorEnabled
		err = s.twoFactor.Confirm(ctx, user.ID, code)
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    action,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   err == nil,
	})
	if err != nil {
		return nil, twoFactorError(err)
	}

	s.recordEvent(ctx, sessionID, event)
	return &TwoFactorStatus{Enabled: true}, nil
}

// DisableTwoFactor removes the TOTP secret after checking a current code
func (s *Service) DisableTwoFactor(ctx context.Context, user *auth.User, code string, client ClientInfo) (*TwoFactorStatus, error) {
	if s.twoFactor == nil {
		return nil, apperrors.BadRequest("Two-factor authentication is not available")
	}
	err := s.twoFactor.Disable(ctx, user.ID, code)
	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionTwoFactorDisable,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   err == nil,
		Severity:  audit.SeverityWarning,
	})
	if err != nil {
		return nil, twoFactorError(err)
	}
	return &TwoFactorStatus{Enabled: false}, nil
}

// Permissions returns the effective permissions of user
func (s *Service) Permissions(user *auth.User) *PermissionsResponse {
	perms := s.evaluator.EffectivePermissions(user)
	return &PermissionsResponse{Permissions: perms, Strings: auth.PermissionStrings(perms)}
}

// CheckPermission evaluates check for the caller, or for check.UserID when the
// caller may manage all users. A target must lie within the granting scope; an
// unknown target is a plain denial.
func (s *Service) CheckPermission(ctx context.Context, caller *auth.User, check auth.PermissionCheck, client ClientInfo) (*CheckPermissionResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.CheckPermission",
		attribute.String("permission.resource", check.Resource),
		attribute.String("permission.action", check.Action),
		attribute.String("permission.scope", string(check.Scope)),
	)
	defer span.End()

	subject := caller
	if check.UserID != "" && check.UserID != caller.ID {
		if !s.evaluator.HasPermission(caller, "users", "manage", auth.ScopeAll) {
			return nil, apperrors.InsufficientPermissions("users.manage.all")
		}
		u, err := s.loadUser(ctx, check.UserID)
		if err != nil {
			return nil, err
		}
		subject = u
	}

	var target *auth.User
	targetMissing := false
	if check.TargetID != "" {
		if check.TargetID == subject.ID {
			target = subject
		} else {
			t, err := s.repo.GetUser(ctx, check.TargetID)
			switch {
			case errors.Is(err, ErrUserNotFound):
				targetMissing = true
			case err != nil:
				return nil, apperrors.Internal("Failed to load user", err)
			default:
				target = t
			}
		}
	}

	req := auth.Request{Resource: check.Resource, Action: check.Action, Scope: check.Scope, Target: target}
	d := auth.Decision{Source: auth.SourceNone, Reason: auth.ReasonInsufficient}
	if !targetMissing {
		d = s.evaluator.EvaluateTarget(subject, req)
	}
	if d.Allowed && s.policy != nil {
		reviewed, err := s.policy.Review(ctx, subject, req, d)
		if err != nil {
			return nil, apperrors.Internal("Policy evaluation failed", err)
		}
		d = reviewed
	}

	span.SetAttributes(
		attribute.Bool("permission.allowed", d.Allowed),
		attribute.String("permission.source", string(d.Source)),
	)
	middleware.RecordPermissionDecision(string(d.Source), d.Allowed)

	details := map[string]interface{}{
		"resource": check.Resource,
		"action":   check.Action,
		"scope":    string(check.Scope),
		"source":   string(d.Source),
	}
	if check.TargetID != "" {
		details["targetId"] = check.TargetID
	}
	if subject != caller {
		details["subjectId"] = subject.ID
	}
	s.audit.Record(ctx, audit.Event{
		UserID:    caller.ID,
		Action:    audit.ActionPermissionCheck,
		Resource:  check.Resource,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   d.Allowed,
		Severity:  audit.SeverityInfo,
		Details:   details,
	})

	reason := auth.ReasonGranted
	if !d.Allowed {
		reason = "Permission refusée"
		if d.Source == auth.SourcePolicy && d.Reason != "" {
			reason = d.Reason
		}
	}
	return &CheckPermissionResponse{HasAccess: d.Allowed, Reason: reason, Source: d.Source}, nil
}

// ExtendSession pushes the server session expiry one hour further
func (s *Service) ExtendSession(ctx context.Context, user *auth.User, sessionID string, client ClientInfo) (*SessionResponse, error) {
	if sessionID == "" {
		return nil, apperrors.BadRequest("Token carries no session")
	}
	current, err := s.sessions.Get(ctx, sessionID)
	if err == nil && current.UserID != user.ID {
		err = auth.ErrSessionNotFound
	}
	var session *auth.Session
	if err == nil {
		session, err = s.sessions.Extend(ctx, sessionID)
	}
	if errors.Is(err, auth.ErrSessionNotFound) || errors.Is(err, auth.ErrSessionExpired) {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to extend session", err)
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    user.ID,
		Action:    audit.ActionSessionExtend,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
	})
	return &SessionResponse{
		SessionID:     session.ID,
		SessionExpiry: session.ExpiresAt,
		SecurityLevel: session.SecurityLevel,
	}, nil
}

// Matrix returns the role permission matrix
func (s *Service) Matrix() map[auth.Role]map[string]bool {
	return s.evaluator.Matrix()
}

// GrantPermission stores an explicit grant for userID
func (s *Service) GrantPermission(ctx context.Context, actor *auth.User, userID string, req GrantRequest, client ClientInfo) (*auth.Permission, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}

	p := &auth.Permission{
		Name:       strings.TrimSpace(req.Name),
		Resource:   req.Resource,
		Action:     req.Action,
		Scope:      req.Scope,
		Conditions: req.Conditions,
	}
	if p.Name == "" {
		p.Name = p.String()
	}
	if err := s.repo.GrantPermission(ctx, userID, p, actor.ID); err != nil {
		return nil, asAppError(err, "Failed to grant permission")
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    actor.ID,
		Action:    audit.ActionPermissionGrant,
		Resource:  p.Resource,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
		Severity:  audit.SeverityWarning,
		Details:   map[string]interface{}{"userId": userID, "permission": p.String(), "permissionId": p.ID},
	})
	return p, nil
}

// RevokePermission deletes an explicit grant of userID
func (s *Service) RevokePermission(ctx context.Context, actor *auth.User, userID, permissionID string, client ClientInfo) error {
	err := s.repo.RevokePermission(ctx, userID, permissionID)
	if errors.Is(err, ErrPermissionNotFound) {
		return apperrors.PermissionNotFound(permissionID)
	}
	if err != nil {
		return apperrors.Internal("Failed to revoke permission", err)
	}

	s.audit.Record(ctx, audit.Event{
		UserID:    actor.ID,
		Action:    audit.ActionPermissionRevoke,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   true,
		Severity:  audit.SeverityWarning,
		Details:   map[string]interface{}{"userId": userID, "permissionId": permissionID},
	})
	return nil
}

func (s *Service) loadUser(ctx context.Context, id string) (*auth.User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, apperrors.UserNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Internal("Failed to load user", err)
	}
	return u, nil
}

func (s *Service) recordLogin(ctx context.Context, action audit.Action, userID string, client ClientInfo, success bool, details map[string]interface{}) {
	s.audit.Record(ctx, audit.Event{
		UserID:    userID,
		Action:    action,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		Success:   success,
		Details:   details,
	})
}

func (s *Service) recordSessionEvent(ctx context.Context, resp *LoginResponse, event auth.SessionEvent) {
	claims, err := s.tokens.ValidateAccessToken(ctx, resp.Token)
	if err != nil {
		return
	}
	s.recordEvent(ctx, claims.SessionID, event)
}

func (s *Service) recordEvent(ctx context.Context, sessionID string, event auth.SessionEvent) {
	if sessionID == "" {
		return
	}
	session, err := s.sessions.RecordEvent(ctx, sessionID, event)
	if err != nil {
		s.logger.Debug("session event not recorded",
			zap.String("session_id", sessionID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return
	}
	middleware.RecordSecurityLevel(string(session.SecurityLevel))
}

func tokenError(err error) error {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return apperrors.TokenExpired()
	case errors.Is(err, auth.ErrTokenRevoked):
		return apperrors.InvalidToken("token revoked")
	}
	return apperrors.InvalidToken(err.Error())
}

func twoFactorError(err error) error {
	switch {
	case errors.Is(err, mfa.ErrInvalidCode):
		return apperrors.InvalidTwoFactorCode()
	case errors.Is(err, mfa.ErrNotEnrolled):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, mfa.ErrTooManyAttempts):
		return apperrors.RateLimit(err.Error())
	}
	return apperrors.Internal("Two-factor check failed", err)
}

func asAppError(err error, message string) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Internal(message, err)
}
