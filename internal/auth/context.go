package auth

import (
	"errors"

	"github.com/gin-gonic/gin"
)

var (
	// ErrContextMissing is returned when context is missing
	ErrContextMissing = errors.New("gin context is missing")

	// ErrUserNotFound is returned when user_id is not found in context
	ErrUserNotFound = errors.New("user not found in context")

	// ErrRoleNotFound is returned when the role is not found in context
	ErrRoleNotFound = errors.New("role not found in context")
)

// Context key constants for storing values in Gin context
const (
	ContextKeyUserID      = "user_id"
	ContextKeyRole        = "role"
	ContextKeySessionID   = "session_id"
	ContextKeyUser        = "user"
	ContextKeyAccessToken = "access_token"
)

// GetUserFromContext extracts the user ID from the Gin context
func GetUserFromContext(c *gin.Context) (string, error) {
	if c == nil {
		return "", ErrContextMissing
	}

	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		return "", ErrUserNotFound
	}

	userIDStr, ok := userID.(string)
	if !ok {
		return "", errors.New("user_id in context is not a string")
	}

	return userIDStr, nil
}

// GetRoleFromContext extracts the role from the Gin context
func GetRoleFromContext(c *gin.Context) (Role, error) {
	if c == nil {
		return "", ErrContextMissing
	}

	role, exists := c.Get(ContextKeyRole)
	if !exists {
		return "", ErrRoleNotFound
	}

	r, ok := role.(Role)
	if !ok {
		return "", errors.New("role in context is not a Role")
	}
	return r, nil
}

// GetCurrentUser returns the loaded user record, if Authenticate loaded one
func GetCurrentUser(c *gin.Context) (*User, error) {
	if c == nil {
		return nil, ErrContextMissing
	}

	v, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, ErrUserNotFound
	}

	u, ok := v.(*User)
	if !ok || u == nil {
		return nil, errors.New("user in context is not a *User")
	}
	return u, nil
}

// GetSessionIDFromContext returns the session the access token belongs to
func GetSessionIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ContextKeySessionID)
}

// GetAccessTokenFromContext returns the raw bearer token of the request
func GetAccessTokenFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ContextKeyAccessToken)
}

// SetUserInContext sets user information in the Gin context
func SetUserInContext(c *gin.Context, user *User, sessionID string) {
	c.Set(ContextKeyUserID, user.ID)
	c.Set(ContextKeyRole, user.Role)
	c.Set(ContextKeySessionID, sessionID)
	c.Set(ContextKeyUser, user)
}
