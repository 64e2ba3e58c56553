// Package errors provides structured error handling for the HR portal API
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrBadRequest   ErrorCode = "BAD_REQUEST"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Resource errors
	ErrUserNotFound       ErrorCode = "USER_NOT_FOUND"
	ErrUserAlreadyExists  ErrorCode = "USER_ALREADY_EXISTS"
	ErrUserDisabled       ErrorCode = "USER_DISABLED"
	ErrPermissionNotFound ErrorCode = "PERMISSION_NOT_FOUND"
	ErrSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"

	// Authentication & Authorization errors
	ErrInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrInsufficientPerms  ErrorCode = "INSUFFICIENT_PERMISSIONS"
	ErrInvalidTwoFactor   ErrorCode = "INVALID_TWO_FACTOR_CODE"
	ErrProviderNotFound   ErrorCode = "SSO_PROVIDER_NOT_FOUND"

	// Database errors
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrDuplicateKey ErrorCode = "DUPLICATE_KEY"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode, Err: err}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return Wrap(err, ErrInternal, message, http.StatusInternalServerError)
}

// NotFound creates a not found error
func NotFound(resource string) *AppError {
	return New(ErrNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return New(ErrBadRequest, message, http.StatusBadRequest)
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return New(ErrUnauthorized, message, http.StatusUnauthorized)
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return New(ErrForbidden, message, http.StatusForbidden)
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return New(ErrConflict, message, http.StatusConflict)
}

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return New(ErrValidation, message, http.StatusBadRequest)
}

// RateLimit creates a rate limit error
func RateLimit(message string) *AppError {
	return New(ErrRateLimit, message, http.StatusTooManyRequests)
}

// UserNotFound creates a user not found error
func UserNotFound(userID string) *AppError {
	return New(ErrUserNotFound, "User not found", http.StatusNotFound).WithMetadata("user_id", userID)
}

// UserAlreadyExists creates a user already exists error
func UserAlreadyExists(email string) *AppError {
	return New(ErrUserAlreadyExists, "User already exists", http.StatusConflict).WithMetadata("email", email)
}

// UserDisabled creates a user disabled error
func UserDisabled(userID string) *AppError {
	return New(ErrUserDisabled, "User account is disabled", http.StatusForbidden).WithMetadata("user_id", userID)
}

// PermissionNotFound creates an error for a missing explicit grant
func PermissionNotFound(permissionID string) *AppError {
	return New(ErrPermissionNotFound, "Permission not found", http.StatusNotFound).WithMetadata("permission_id", permissionID)
}

// SessionNotFound creates a session not found error
func SessionNotFound(sessionID string) *AppError {
	return New(ErrSessionNotFound, "Session not found", http.StatusNotFound).WithMetadata("session_id", sessionID)
}

// InvalidCredentials creates an invalid credentials error
func InvalidCredentials() *AppError {
	return New(ErrInvalidCredentials, "Invalid credentials", http.StatusUnauthorized)
}

// InvalidToken creates an invalid token error
func InvalidToken(details string) *AppError {
	return New(ErrInvalidToken, "Invalid authentication token", http.StatusUnauthorized).WithDetails(details)
}

// TokenExpired creates a token expired error
func TokenExpired() *AppError {
	return New(ErrTokenExpired, "Authentication token has expired", http.StatusUnauthorized)
}

// InsufficientPermissions creates an insufficient permissions error
func InsufficientPermissions(action string) *AppError {
	return New(ErrInsufficientPerms, "Permissions insuffisantes", http.StatusForbidden).WithMetadata("action", action)
}

// InvalidTwoFactorCode is returned when a TOTP code does not validate
func InvalidTwoFactorCode() *AppError {
	return New(ErrInvalidTwoFactor, "Invalid two-factor code", http.StatusUnauthorized)
}

// ProviderNotFound is returned for an unconfigured SSO provider
func ProviderNotFound(name string) *AppError {
	return New(ErrProviderNotFound, "SSO provider not configured", http.StatusNotFound).WithMetadata("provider", name)
}

// DatabaseError creates a database error. Unique violations become DuplicateKey.
func DatabaseError(operation string, err error) *AppError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return DuplicateKey(pgErr.ConstraintName)
	}
	return &AppError{
		Code:       ErrDatabase,
		Message:    "Database operation failed",
		Details:    operation,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// DuplicateKey creates a duplicate key error
func DuplicateKey(key string) *AppError {
	return New(ErrDuplicateKey, "Duplicate key violation", http.StatusConflict).WithMetadata("key", key)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Response is the envelope every API response uses
type Response struct {
	Success   bool                   `json:"success"`
	Data      interface{}            `json:"data,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Error     ErrorCode              `json:"error,omitempty"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// OK writes a success envelope
func OK(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Message: message})
}

// HandleError sends an error envelope to the client
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	requestID, _ := c.Get("request_id")
	reqIDStr, _ := requestID.(string)

	c.JSON(appErr.StatusCode, Response{
		Success:   false,
		Message:   appErr.Message,
		Error:     appErr.Code,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	})
}

// ErrorHandler is a middleware that converts panics into error envelopes
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				var appErr *AppError

				switch e := err.(type) {
				case *AppError:
					appErr = e
				case error:
					appErr = Internal("Internal server error", e)
				default:
					appErr = Internal("Internal server error", fmt.Errorf("%v", err))
				}

				HandleError(c, appErr)
				c.Abort()
			}
		}()

		c.Next()
	}
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
