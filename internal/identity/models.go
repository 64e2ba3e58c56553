package identity

import (
	"time"

	"github.com/hrportal/hrportal/internal/auth"
)

// EmailLoginRequest is the body of POST /email/login
type EmailLoginRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required"`
	TwoFactorCode string `json:"twoFactorCode,omitempty" binding:"omitempty,len=6,numeric"`
}

// LDAPLoginRequest is the body of POST /ldap/login
type LDAPLoginRequest struct {
	Username string `json:"username" binding:"required,max=128"`
	Password string `json:"password" binding:"required"`
}

// SSOCallbackRequest is the body of POST /sso/:provider/login
type SSOCallbackRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// RefreshRequest is the body of POST /refresh
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// LogoutRequest is the optional body of POST /logout
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

// ProfileUpdate carries the only fields a user may change on their profile.
// Nil fields are left as they are.
type ProfileUpdate struct {
	Name   *string `json:"name,omitempty" binding:"omitempty,min=1,max=200"`
	Avatar *string `json:"avatar,omitempty" binding:"omitempty,max=2048"`
}

// ChangePasswordRequest is the body of POST /change-password
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

// TwoFactorCodeRequest carries a TOTP code
type TwoFactorCodeRequest struct {
	Code string `json:"code" binding:"required,len=6,numeric"`
}

// GrantRequest is the body of POST /users/:id/permissions
type GrantRequest struct {
	Name       string           `json:"name,omitempty" binding:"max=200"`
	Resource   string           `json:"resource" binding:"required,max=64"`
	Action     string           `json:"action" binding:"required,max=64"`
	Scope      auth.Scope       `json:"scope" binding:"required,scope"`
	Conditions []auth.Condition `json:"conditions,omitempty"`
}

// ClientInfo describes where a request came from
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// LoginResponse is returned by every login path and by refresh
type LoginResponse struct {
	User              *auth.User `json:"user,omitempty"`
	Token             string     `json:"token,omitempty"`
	RefreshToken      string     `json:"refreshToken,omitempty"`
	Permissions       []string   `json:"permissions"`
	SessionExpiry     *time.Time `json:"sessionExpiry,omitempty"`
	RequiresTwoFactor bool       `json:"requiresTwoFactor"`
}

// PermissionsResponse lists the caller's effective permissions
type PermissionsResponse struct {
	Permissions []auth.Permission `json:"permissions"`
	Strings     []string          `json:"strings"`
}

// CheckPermissionResponse is returned by POST /check-permission
type CheckPermissionResponse struct {
	HasAccess bool                `json:"hasAccess"`
	Reason    string              `json:"reason"`
	Source    auth.DecisionSource `json:"source"`
}

// SessionResponse describes the server-side session after an extension
type SessionResponse struct {
	SessionID     string             `json:"sessionId"`
	SessionExpiry time.Time          `json:"sessionExpiry"`
	SecurityLevel auth.SecurityLevel `json:"securityLevel"`
}

// TwoFactorStatus is returned after enabling, verifying or disabling 2FA
type TwoFactorStatus struct {
	Enabled bool `json:"enabled"`
}
