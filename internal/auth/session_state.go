package auth

import (
	"sync"
	"time"
)

// SecurityLevel is a coarse session health label
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityMedium   SecurityLevel = "medium"
	SecurityHigh     SecurityLevel = "high"
	SecurityCritical SecurityLevel = "critical"
)

// SessionEvent is something that happened to a session
type SessionEvent string

const (
	EventLoginSucceeded    SessionEvent = "login_succeeded"
	EventLoginFailed       SessionEvent = "login_failed"
	EventLoggedOut         SessionEvent = "logged_out"
	EventPasswordChanged   SessionEvent = "password_changed"
	EventTwoFactorEnabled  SessionEvent = "two_factor_enabled"
	EventTwoFactorVerified SessionEvent = "two_factor_verified"
	EventRefreshSucceeded  SessionEvent = "refresh_succeeded"
	EventRefreshFailed     SessionEvent = "refresh_failed"
	EventProfileUpdated    SessionEvent = "profile_updated"
)

// SessionExtension is how much ExtendSession adds
const SessionExtension = time.Hour

// SecurityLevelAfter applies the event table. Events that do not set a label keep current.
func SecurityLevelAfter(event SessionEvent, method LoginMethod, current SecurityLevel) SecurityLevel {
	switch event {
	case EventLoginSucceeded:
		switch method {
		case LoginMethodLDAP, LoginMethodSSO:
			return SecurityHigh
		case LoginMethodEmail:
			return SecurityMedium
		}
		return current
	case EventLoginFailed:
		return SecurityCritical
	case EventLoggedOut:
		return SecurityLow
	case EventPasswordChanged, EventTwoFactorEnabled, EventTwoFactorVerified:
		return SecurityHigh
	default:
		return current
	}
}

// PermissionCheck is a command-style permission query
type PermissionCheck struct {
	Resource string `json:"resource" binding:"required"`
	Action   string `json:"action" binding:"required"`
	Scope    Scope  `json:"scope,omitempty" binding:"omitempty,scope"`
	UserID   string `json:"userId,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

// LoginResult is what a successful login hands to the session
type LoginResult struct {
	User          *User
	Permissions   []Permission
	SessionExpiry *time.Time
}

// SessionSnapshot is a point-in-time copy of the session state
type SessionSnapshot struct {
	User            *User         `json:"user"`
	IsAuthenticated bool          `json:"isAuthenticated"`
	IsLoading       bool          `json:"isLoading"`
	Error           string        `json:"error,omitempty"`
	Permissions     []Permission  `json:"permissions"`
	LoginMethod     LoginMethod   `json:"loginMethod,omitempty"`
	SessionExpiry   *time.Time    `json:"sessionExpiry,omitempty"`
	LastActivity    time.Time     `json:"lastActivity"`
	SecurityLevel   SecurityLevel `json:"securityLevel"`
}

// SessionState tracks the client-side authentication state. It is safe for concurrent use.
type SessionState struct {
	mu sync.RWMutex

	user            *User
	isAuthenticated bool
	isLoading       bool
	err             string
	permissions     []Permission
	loginMethod     LoginMethod
	sessionExpiry   *time.Time
	lastActivity    time.Time
	securityLevel   SecurityLevel

	now       func() time.Time
	evaluator *Evaluator
	observer  func(SecurityLevel)
}

// SessionStateOption configures a SessionState
type SessionStateOption func(*SessionState)

// WithClock overrides the time source
func WithClock(now func() time.Time) SessionStateOption {
	return func(s *SessionState) {
		s.now = now
	}
}

// WithEvaluator sets the evaluator used for permission checks
func WithEvaluator(e *Evaluator) SessionStateOption {
	return func(s *SessionState) {
		s.evaluator = e
	}
}

// WithLevelObserver registers a callback invoked on every security level write
func WithLevelObserver(fn func(SecurityLevel)) SessionStateOption {
	return func(s *SessionState) {
		s.observer = fn
	}
}

// NewSessionState returns a logged-out session at medium security
func NewSessionState(opts ...SessionStateOption) *SessionState {
	s := &SessionState{
		now:           time.Now,
		evaluator:     DefaultEvaluator(),
		securityLevel: SecurityMedium,
		permissions:   []Permission{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastActivity = s.now()
	return s
}

// LoginStarted marks a login in flight
func (s *SessionState) LoginStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = true
	s.err = ""
}

// LoginSucceeded records an authenticated session
func (s *SessionState) LoginSucceeded(method LoginMethod, res LoginResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.isAuthenticated = true
	s.user = res.User.Clone()
	s.permissions = clonePermissions(res.Permissions)
	if s.permissions == nil {
		s.permissions = []Permission{}
	}
	s.loginMethod = method
	s.sessionExpiry = copyTime(res.SessionExpiry)
	s.lastActivity = s.now()
	s.setLevel(SecurityLevelAfter(EventLoginSucceeded, method, s.securityLevel))
}

// LoginFailed records a rejected login and its message
func (s *SessionState) LoginFailed(method LoginMethod, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.err = message
	s.setLevel(SecurityLevelAfter(EventLoginFailed, method, s.securityLevel))
}

// LoginAwaitingCode ends a login that stopped at the second factor. The
// security level is left unchanged.
func (s *SessionState) LoginAwaitingCode() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isLoading = false
	s.err = ""
}

// RefreshSucceeded records a new expiry after a token refresh
func (s *SessionState) RefreshSucceeded(expiry *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionExpiry = copyTime(expiry)
	s.lastActivity = s.now()
}

// RefreshFailed invalidates the session
func (s *SessionState) RefreshFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAuthenticated = false
	s.user = nil
	s.permissions = []Permission{}
	s.sessionExpiry = nil
}

// LoggedOut clears every identity field
func (s *SessionState) LoggedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isAuthenticated = false
	s.user = nil
	s.permissions = []Permission{}
	s.loginMethod = ""
	s.sessionExpiry = nil
	s.lastActivity = s.now()
	s.setLevel(SecurityLevelAfter(EventLoggedOut, "", s.securityLevel))
}

// ProfileUpdated replaces the user record
func (s *SessionState) ProfileUpdated(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user.Clone()
	s.lastActivity = s.now()
}

// PasswordChanged raises the security level
func (s *SessionState) PasswordChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	s.setLevel(SecurityLevelAfter(EventPasswordChanged, "", s.securityLevel))
}

// TwoFactorEnabled raises the security level
func (s *SessionState) TwoFactorEnabled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLevel(SecurityLevelAfter(EventTwoFactorEnabled, "", s.securityLevel))
}

// TwoFactorVerified raises the security level
func (s *SessionState) TwoFactorVerified() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLevel(SecurityLevelAfter(EventTwoFactorVerified, "", s.securityLevel))
}

// UpdateSecurityLevel overwrites the level
func (s *SessionState) UpdateSecurityLevel(level SecurityLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLevel(level)
}

// UpdateLastActivity stamps the current time
func (s *SessionState) UpdateLastActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// ClearError resets the error message
func (s *SessionState) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = ""
}

// SetSessionExpiry sets the expiry
func (s *SessionState) SetSessionExpiry(expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionExpiry = &expiry
}

// ExtendSession adds one hour to the expiry. Without an expiry it does nothing.
func (s *SessionState) ExtendSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionExpiry == nil {
		return
	}
	extended := s.sessionExpiry.Add(SessionExtension)
	s.sessionExpiry = &extended
}

// AddPermission appends p unless a permission with the same id is present
func (s *SessionState) AddPermission(p Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.ID == p.ID {
			return
		}
	}
	s.permissions = append(s.permissions, p.Clone())
}

// RemovePermission drops every permission with the given id
func (s *SessionState) RemovePermission(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	s.permissions = kept
}

// UpdatePermissions replaces the permission list
func (s *SessionState) UpdatePermissions(perms []Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = clonePermissions(perms)
	if s.permissions == nil {
		s.permissions = []Permission{}
	}
}

// CheckPermission evaluates check against the current user and stores a
// denial reason in the error state.
func (s *SessionState) CheckPermission(check PermissionCheck) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		s.err = ReasonUnauthenticated
		return Decision{Source: SourceNone, Reason: ReasonUnauthenticated}
	}

	req := Request{Resource: check.Resource, Action: check.Action, Scope: check.Scope}
	if check.TargetID != "" && check.TargetID == s.user.ID {
		req.Target = s.user
	}
	d := s.evaluator.Evaluate(s.user, req)
	if !d.Allowed {
		s.err = ReasonInsufficient
	}
	return d
}

// HasPermission is the read-only selector form of CheckPermission
func (s *SessionState) HasPermission(resource, action string, scope Scope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return false
	}
	return s.evaluator.HasPermission(s.user, resource, action, scope)
}

// CanManageTeam reports whether the current user's role supervises a team
func (s *SessionState) CanManageTeam() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.Role.CanManageTeam()
}

// CanManageAll reports whether the current user's role manages the whole organisation
func (s *SessionState) CanManageAll() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.Role.CanManageAll()
}

// User returns a copy of the current user, or nil
func (s *SessionState) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone()
}

// SecurityLevel returns the current level
func (s *SessionState) SecurityLevel() SecurityLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.securityLevel
}

// Error returns the last stored error message
func (s *SessionState) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Permissions returns a copy of the session permission list
func (s *SessionState) Permissions() []Permission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePermissions(s.permissions)
}

// SessionExpiry returns the expiry, or nil when unset
func (s *SessionState) SessionExpiry() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTime(s.sessionExpiry)
}

// IsAuthenticated reports whether a user is logged in
func (s *SessionState) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAuthenticated
}

// Snapshot returns a copy of the full state
func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		User:            s.user.Clone(),
		IsAuthenticated: s.isAuthenticated,
		IsLoading:       s.isLoading,
		Error:           s.err,
		Permissions:     clonePermissions(s.permissions),
		LoginMethod:     s.loginMethod,
		SessionExpiry:   copyTime(s.sessionExpiry),
		LastActivity:    s.lastActivity,
		SecurityLevel:   s.securityLevel,
	}
}

// setLevel must be called with mu held
func (s *SessionState) setLevel(level SecurityLevel) {
	s.securityLevel = level
	if s.observer != nil {
		s.observer(level)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
