package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrMissingAuthHeader is returned when Authorization header is missing
	ErrMissingAuthHeader = errors.New("missing authorization header")

	// ErrInvalidAuthHeader is returned when Authorization header format is invalid
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")

	// ErrInvalidToken is returned when token validation fails
	ErrInvalidToken = errors.New("invalid token")

	// ErrInsufficientRole is returned when user doesn't have required role
	ErrInsufficientRole = errors.New("insufficient role privileges")

	// ErrInsufficientPermission is returned when user lacks required permission
	ErrInsufficientPermission = errors.New("insufficient permissions")

	// ErrInactiveUser is returned when the account behind a valid token is disabled
	ErrInactiveUser = errors.New("user account is inactive")
)

// TokenValidator defines the interface for validating JWT tokens
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, tokenString string) (*Claims, error)
}

// UserLoader loads the current user record, including explicit grants
type UserLoader interface {
	LoadUser(ctx context.Context, id string) (*User, error)
}

// PolicyGuard reviews a decision after the evaluator has produced it.
// It may only turn an allow into a deny.
type PolicyGuard interface {
	Review(ctx context.Context, user *User, req Request, d Decision) (Decision, error)
}

// DecisionHook is notified of every decision taken by RequirePermission
type DecisionHook func(user *User, req Request, d Decision)

// RBACConfig holds configuration for RBAC middleware
type RBACConfig struct {
	TokenValidator TokenValidator
	Users          UserLoader
	Evaluator      *Evaluator
	Policy         PolicyGuard
	Logger         *zap.Logger
	OnDecision     DecisionHook
}

// RBACMiddleware provides RBAC enforcement for Gin
type RBACMiddleware struct {
	config RBACConfig
}

// NewRBACMiddleware creates a new RBAC middleware
func NewRBACMiddleware(config RBACConfig) *RBACMiddleware {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Evaluator == nil {
		config.Evaluator = DefaultEvaluator()
	}
	return &RBACMiddleware{config: config}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"message": message,
	})
}

// Authenticate validates the Bearer token, loads the user and sets the request context
func (m *RBACMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.config.Logger.Warn("authentication failed: missing authorization header",
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
			abort(c, http.StatusUnauthorized, ErrMissingAuthHeader.Error())
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			m.config.Logger.Warn("authentication failed: invalid authorization header format")
			abort(c, http.StatusUnauthorized, ErrInvalidAuthHeader.Error())
			return
		}
		tokenString := parts[1]

		claims, err := m.config.TokenValidator.ValidateAccessToken(c.Request.Context(), tokenString)
		if err != nil {
			m.config.Logger.Warn("token validation failed",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
			)
			msg := ErrInvalidToken.Error()
			if errors.Is(err, ErrTokenExpired) {
				msg = ErrTokenExpired.Error()
			}
			abort(c, http.StatusUnauthorized, msg)
			return
		}

		user := &User{ID: claims.Subject, Role: Role(claims.Role)}
		if m.config.Users != nil {
			loaded, err := m.config.Users.LoadUser(c.Request.Context(), claims.Subject)
			if err != nil {
				m.config.Logger.Warn("authentication failed: user lookup",
					zap.String("user_id", claims.Subject),
					zap.Error(err),
				)
				abort(c, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}
			if !loaded.IsActive {
				abort(c, http.StatusUnauthorized, ErrInactiveUser.Error())
				return
			}
			user = loaded
		}

		SetUserInContext(c, user, claims.SessionID)
		c.Set(ContextKeyAccessToken, tokenString)

		m.config.Logger.Debug("user authenticated",
			zap.String("user_id", user.ID),
			zap.String("role", string(user.Role)),
		)

		c.Next()
	}
}

// RequireRole passes when the user's role is one of roles or sits above one of them in the chain
func (m *RBACMiddleware) RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, err := GetRoleFromContext(c)
		if err != nil {
			m.config.Logger.Warn("authorization failed: no role in context")
			abort(c, http.StatusForbidden, ErrInsufficientRole.Error())
			return
		}

		for _, required := range roles {
			if userRole.IsHigherOrEqual(required) {
				c.Next()
				return
			}
		}

		m.config.Logger.Warn("authorization failed: insufficient role",
			zap.String("user_role", string(userRole)),
			zap.Any("required_roles", roles),
		)
		abort(c, http.StatusForbidden, ErrInsufficientRole.Error())
	}
}

// RequirePermission evaluates (resource, action, scope) for the current user.
// The target of a request is not known here; handlers that act on another
// user should call the evaluator with the target themselves.
func (m *RBACMiddleware) RequirePermission(resource, action string, scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := GetCurrentUser(c)
		if err != nil {
			abort(c, http.StatusUnauthorized, ReasonUnauthenticated)
			return
		}

		req := Request{Resource: resource, Action: action, Scope: scope}
		d := m.config.Evaluator.Evaluate(user, req)

		if d.Allowed && m.config.Policy != nil {
			reviewed, err := m.config.Policy.Review(c.Request.Context(), user, req, d)
			if err != nil {
				m.config.Logger.Error("policy review failed", zap.Error(err))
				abort(c, http.StatusInternalServerError, "policy evaluation failed")
				return
			}
			d = reviewed
		}

		if m.config.OnDecision != nil {
			m.config.OnDecision(user, req, d)
		}

		if !d.Allowed {
			m.config.Logger.Warn("authorization failed: insufficient permissions",
				zap.String("user_id", user.ID),
				zap.String("role", string(user.Role)),
				zap.String("permission", PermissionKey{Resource: resource, Action: action}.String()),
				zap.String("scope", string(scope)),
			)
			abort(c, http.StatusForbidden, d.Reason)
			return
		}

		c.Next()
	}
}
