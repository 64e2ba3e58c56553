package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned when a session does not exist
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a session has expired
	ErrSessionExpired = errors.New("session has expired")

	// ErrMaxSessionsReached is returned when user has reached max concurrent sessions
	ErrMaxSessionsReached = errors.New("maximum concurrent sessions reached")

	// ErrInvalidSessionData is returned when session data is invalid
	ErrInvalidSessionData = errors.New("invalid session data")
)

// Session is the server-side record of a login
type Session struct {
	ID            string                 `json:"id"`
	UserID        string                 `json:"user_id"`
	LoginMethod   LoginMethod            `json:"login_method"`
	SecurityLevel SecurityLevel          `json:"security_level"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
	LastActivity  time.Time              `json:"last_activity"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
}

// NewSessionInput describes a session to create
type NewSessionInput struct {
	UserID      string
	LoginMethod LoginMethod
	IPAddress   string
	UserAgent   string
	Metadata    map[string]interface{}
}

// SessionConfig holds configuration for session management
type SessionConfig struct {
	DefaultTTL         time.Duration // Session lifetime (default: 8h)
	MaxSessions        int           // Max concurrent sessions per user (default: 5)
	KeyPrefix          string        // Redis key prefix (default: "hr:session:")
	UserSessionsPrefix string        // Prefix for user session tracking (default: "hr:user_sessions:")
}

// DefaultSessionConfig returns sensible defaults for session configuration
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		DefaultTTL:         8 * time.Hour,
		MaxSessions:        5,
		KeyPrefix:          "hr:session:",
		UserSessionsPrefix: "hr:user_sessions:",
	}
}

// SessionService handles session lifecycle in Redis
type SessionService struct {
	redis  *redis.Client
	config SessionConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionService creates a new SessionService
func NewSessionService(redisClient *redis.Client, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		redis:  redisClient,
		config: DefaultSessionConfig(),
		logger: logger,
		now:    time.Now,
	}
}

// WithConfig sets a custom session configuration
func (ss *SessionService) WithConfig(config SessionConfig) *SessionService {
	// Only set non-zero values to preserve defaults
	if config.DefaultTTL > 0 {
		ss.config.DefaultTTL = config.DefaultTTL
	}
	if config.MaxSessions > 0 {
		ss.config.MaxSessions = config.MaxSessions
	}
	if config.KeyPrefix != "" {
		ss.config.KeyPrefix = config.KeyPrefix
	}
	if config.UserSessionsPrefix != "" {
		ss.config.UserSessionsPrefix = config.UserSessionsPrefix
	}
	return ss
}

// TTL returns the configured session lifetime
func (ss *SessionService) TTL() time.Duration {
	return ss.config.DefaultTTL
}

// Create stores a new session, evicting the oldest one when the user is at the limit
func (ss *SessionService) Create(ctx context.Context, in NewSessionInput) (*Session, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	sessions, err := ss.GetByUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}
	if len(sessions) >= ss.config.MaxSessions {
		if err := ss.deleteOldest(ctx, sessions); err != nil {
			ss.logger.Warn("failed to delete oldest session", zap.Error(err))
			return nil, fmt.Errorf("%w: maximum %d sessions allowed", ErrMaxSessionsReached, ss.config.MaxSessions)
		}
	}

	now := ss.now()
	session := &Session{
		ID:            uuid.New().String(),
		UserID:        in.UserID,
		LoginMethod:   in.LoginMethod,
		SecurityLevel: SecurityLevelAfter(EventLoginSucceeded, in.LoginMethod, SecurityMedium),
		CreatedAt:     now,
		ExpiresAt:     now.Add(ss.config.DefaultTTL),
		LastActivity:  now,
		Metadata:      in.Metadata,
		IPAddress:     in.IPAddress,
		UserAgent:     in.UserAgent,
	}

	if err := ss.save(ctx, session); err != nil {
		return nil, err
	}

	userSessionsKey := ss.userSessionsKey(in.UserID)
	if err := ss.redis.SAdd(ctx, userSessionsKey, session.ID).Err(); err != nil {
		ss.redis.Del(ctx, ss.sessionKey(session.ID))
		return nil, fmt.Errorf("add to user sessions: %w", err)
	}
	ss.redis.Expire(ctx, userSessionsKey, ss.config.DefaultTTL*2)

	ss.logger.Debug("created session",
		zap.String("session_id", session.ID),
		zap.String("user_id", in.UserID),
		zap.String("login_method", string(in.LoginMethod)),
		zap.Time("expires_at", session.ExpiresAt),
	)

	return session, nil
}

// Get retrieves a session by ID
func (ss *SessionService) Get(ctx context.Context, sessionID string) (*Session, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	data, err := ss.redis.Get(ctx, ss.sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrInvalidSessionData
	}

	if ss.now().After(session.ExpiresAt) {
		ss.remove(ctx, &session)
		return nil, ErrSessionExpired
	}

	return &session, nil
}

// Delete removes a session by ID
func (ss *SessionService) Delete(ctx context.Context, sessionID string) error {
	session, err := ss.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := ss.remove(ctx, session); err != nil {
		return err
	}
	ss.logger.Debug("deleted session", zap.String("session_id", sessionID))
	return nil
}

// DeleteByUser removes all sessions for a user. Returns ErrSessionNotFound if the user has no sessions.
func (ss *SessionService) DeleteByUser(ctx context.Context, userID string) error {
	sessionIDs, err := ss.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user sessions: %w", err)
	}
	if len(sessionIDs) == 0 {
		return ErrSessionNotFound
	}

	for _, sessionID := range sessionIDs {
		if err := ss.redis.Del(ctx, ss.sessionKey(sessionID)).Err(); err != nil {
			ss.logger.Warn("failed to delete session",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	ss.redis.Del(ctx, ss.userSessionsKey(userID))

	ss.logger.Debug("deleted all sessions for user", zap.String("user_id", userID))
	return nil
}

// ListByUser returns all live session IDs for a user
func (ss *SessionService) ListByUser(ctx context.Context, userID string) ([]string, error) {
	if ss.redis == nil {
		return nil, errors.New("redis client not configured")
	}

	userSessionsKey := ss.userSessionsKey(userID)
	members, err := ss.redis.SMembers(ctx, userSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get user sessions: %w", err)
	}

	var valid []string
	for _, sessionID := range members {
		exists, err := ss.redis.Exists(ctx, ss.sessionKey(sessionID)).Result()
		if err == nil && exists > 0 {
			valid = append(valid, sessionID)
		} else {
			ss.redis.SRem(ctx, userSessionsKey, sessionID)
		}
	}
	return valid, nil
}

// GetByUser returns all active session objects for a user
func (ss *SessionService) GetByUser(ctx context.Context, userID string) ([]*Session, error) {
	sessionIDs, err := ss.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, sessionID := range sessionIDs {
		if session, err := ss.Get(ctx, sessionID); err == nil {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// Extend pushes the session expiry one hour further
func (ss *SessionService) Extend(ctx context.Context, sessionID string) (*Session, error) {
	session, err := ss.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.ExpiresAt = session.ExpiresAt.Add(SessionExtension)
	if err := ss.save(ctx, session); err != nil {
		return nil, err
	}

	ss.logger.Debug("extended session",
		zap.String("session_id", sessionID),
		zap.Time("new_expires_at", session.ExpiresAt),
	)
	return session, nil
}

// Touch refreshes the last activity timestamp
func (ss *SessionService) Touch(ctx context.Context, sessionID string) (*Session, error) {
	session, err := ss.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.LastActivity = ss.now()
	if err := ss.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// RecordEvent applies a credential event to the session's security level
// and activity timestamp.
func (ss *SessionService) RecordEvent(ctx context.Context, sessionID string, event SessionEvent) (*Session, error) {
	session, err := ss.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.SecurityLevel = SecurityLevelAfter(event, session.LoginMethod, session.SecurityLevel)
	switch event {
	case EventPasswordChanged, EventProfileUpdated, EventRefreshSucceeded:
		session.LastActivity = ss.now()
	}
	if err := ss.save(ctx, session); err != nil {
		return nil, err
	}

	ss.logger.Debug("recorded session event",
		zap.String("session_id", sessionID),
		zap.String("event", string(event)),
		zap.String("security_level", string(session.SecurityLevel)),
	)
	return session, nil
}

func (ss *SessionService) save(ctx context.Context, session *Session) error {
	ttl := session.ExpiresAt.Sub(ss.now())
	if ttl <= 0 {
		return ErrSessionExpired
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := ss.redis.Set(ctx, ss.sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (ss *SessionService) remove(ctx context.Context, session *Session) error {
	if err := ss.redis.Del(ctx, ss.sessionKey(session.ID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	ss.redis.SRem(ctx, ss.userSessionsKey(session.UserID), session.ID)
	return nil
}

func (ss *SessionService) deleteOldest(ctx context.Context, sessions []*Session) error {
	var oldest *Session
	for _, s := range sessions {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return nil
	}
	return ss.remove(ctx, oldest)
}

func (ss *SessionService) sessionKey(sessionID string) string {
	return ss.config.KeyPrefix + sessionID
}

func (ss *SessionService) userSessionsKey(userID string) string {
	return ss.config.UserSessionsPrefix + userID
}
