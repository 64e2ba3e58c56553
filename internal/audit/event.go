// Package audit records security events to Postgres with a best-effort
// Elasticsearch copy for search.
package audit

import (
	"time"
)

// Action identifies what happened
type Action string

const (
	ActionEmailLogin       Action = "email_login"
	ActionLDAPLogin        Action = "ldap_login"
	ActionSSOLogin         Action = "sso_login"
	ActionTokenRefresh     Action = "token_refresh"
	ActionLogout           Action = "logout"
	ActionPermissionCheck  Action = "permission_check"
	ActionPermissionGrant  Action = "permission_grant"
	ActionPermissionRevoke Action = "permission_revoke"
	ActionPasswordChange   Action = "password_change"
	ActionProfileUpdate    Action = "profile_update"
	ActionTwoFactorEnable  Action = "two_factor_enable"
	ActionTwoFactorDisable Action = "two_factor_disable"
	ActionTwoFactorVerify  Action = "two_factor_verify"
	ActionSessionExtend    Action = "session_extend"
)

// Severity grades an event for review
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ResourceAuth is the resource recorded for authentication events
const ResourceAuth = "auth"

// Event is one audit record
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    Action                 `json:"action"`
	Resource  string                 `json:"resource"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Success   bool                   `json:"success"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SeverityFor is warning for failures and info otherwise
func SeverityFor(success bool) Severity {
	if success {
		return SeverityInfo
	}
	return SeverityWarning
}

// Filter selects events for listing
type Filter struct {
	UserID  string
	Action  Action
	Success *bool
	Since   *time.Time
	Limit   int
	Offset  int
}

// DefaultListLimit caps unbounded queries
const DefaultListLimit = 50

// MaxListLimit is the largest page served
const MaxListLimit = 500

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
