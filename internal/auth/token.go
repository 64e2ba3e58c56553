package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrTokenInvalid is returned when a token is malformed or signature verification fails
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenExpired is returned when a token has passed its expiration time
	ErrTokenExpired = errors.New("token is expired")

	// ErrTokenRevoked is returned when a token has been explicitly revoked
	ErrTokenRevoked = errors.New("token has been revoked")

	// ErrMissingPrivateKey is returned when no private key is configured for signing
	ErrMissingPrivateKey = errors.New("private key is required for signing tokens")

	// ErrMissingPublicKey is returned when no public key is configured for verification
	ErrMissingPublicKey = errors.New("public key is required for verifying tokens")
)

// Claims is the JWT payload issued to portal users
type Claims struct {
	Role      string `json:"role,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenType represents the type of JWT token
type TokenType string

const (
	AccessTokenType  TokenType = "access"
	RefreshTokenType TokenType = "refresh"
)

// TokenConfig holds configuration for token generation
type TokenConfig struct {
	AccessTokenDuration  time.Duration // Default: 15 minutes
	RefreshTokenDuration time.Duration // Default: 7 days
	Issuer               string
	Audience             string
}

// DefaultTokenConfig returns sensible defaults for token configuration
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTokenDuration:  15 * time.Minute,
		RefreshTokenDuration: 7 * 24 * time.Hour,
		Issuer:               "hrportal",
		Audience:             "hrportal",
	}
}

// TokenPair is an access token with its refresh token
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// TokenService handles JWT token generation, validation, and revocation
type TokenService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	redis      *redis.Client
	config     TokenConfig
	logger     *zap.Logger
}

// NewTokenService creates a new TokenService with the given RSA keys and Redis client
func NewTokenService(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, redisClient *redis.Client, logger *zap.Logger) *TokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		privateKey: privateKey,
		publicKey:  publicKey,
		redis:      redisClient,
		config:     DefaultTokenConfig(),
		logger:     logger,
	}
}

// WithConfig sets a custom token configuration. Zero fields keep their defaults.
func (ts *TokenService) WithConfig(config TokenConfig) *TokenService {
	if config.AccessTokenDuration != 0 {
		ts.config.AccessTokenDuration = config.AccessTokenDuration
	}
	if config.RefreshTokenDuration != 0 {
		ts.config.RefreshTokenDuration = config.RefreshTokenDuration
	}
	if config.Issuer != "" {
		ts.config.Issuer = config.Issuer
	}
	if config.Audience != "" {
		ts.config.Audience = config.Audience
	}
	return ts
}

// GenerateAccessToken creates a new JWT access token for the given user
func (ts *TokenService) GenerateAccessToken(ctx context.Context, subject string, role Role, sessionID string) (string, error) {
	return ts.generateToken(subject, role, sessionID, AccessTokenType, ts.config.AccessTokenDuration)
}

// GenerateRefreshToken creates a new JWT refresh token for the given user
func (ts *TokenService) GenerateRefreshToken(ctx context.Context, subject string, sessionID string) (string, error) {
	return ts.generateToken(subject, "", sessionID, RefreshTokenType, ts.config.RefreshTokenDuration)
}

// GenerateTokenPair creates both access and refresh tokens
func (ts *TokenService) GenerateTokenPair(ctx context.Context, subject string, role Role, sessionID string) (*TokenPair, error) {
	access, err := ts.GenerateAccessToken(ctx, subject, role, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err := ts.GenerateRefreshToken(ctx, subject, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (ts *TokenService) generateToken(subject string, role Role, sessionID string, tokenType TokenType, duration time.Duration) (string, error) {
	if ts.privateKey == nil {
		return "", ErrMissingPrivateKey
	}

	now := time.Now()
	claims := Claims{
		Role:      string(role),
		SessionID: sessionID,
		TokenType: string(tokenType),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    ts.config.Issuer,
			Subject:   subject,
			Audience:  []string{ts.config.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tokenString, err := token.SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	ts.logger.Debug("generated token",
		zap.String("subject", subject),
		zap.String("type", string(tokenType)),
		zap.Duration("duration", duration),
	)

	return tokenString, nil
}

// ValidateToken validates a JWT token and returns the claims if valid
func (ts *TokenService) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if ts.publicKey == nil {
		return nil, ErrMissingPublicKey
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.publicKey, nil
	},
		jwt.WithIssuer(ts.config.Issuer),
		jwt.WithAudience(ts.config.Audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if ts.redis != nil {
		revoked, err := ts.isRevoked(ctx, claims.ID)
		if err != nil {
			ts.logger.Warn("failed to check token revocation status", zap.Error(err))
		} else if revoked {
			return nil, ErrTokenRevoked
		}
	}

	return claims, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (ts *TokenService) ValidateAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := ts.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(AccessTokenType) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateRefreshToken validates a refresh token and returns the claims
func (ts *TokenService) ValidateRefreshToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := ts.ValidateToken(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != string(RefreshTokenType) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// RevokeToken blacklists a token until it would have expired anyway
func (ts *TokenService) RevokeToken(ctx context.Context, tokenString string) error {
	if ts.redis == nil {
		return errors.New("redis client not configured")
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		// Unparseable tokens can't be used anyway
		return nil
	}
	if claims.ID == "" {
		return nil
	}

	ttl := 24 * time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
		if ttl <= 0 {
			return nil
		}
	}

	if err := ts.redis.Set(ctx, ts.blacklistKey(claims.ID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set token in blacklist: %w", err)
	}

	ts.logger.Debug("revoked token",
		zap.String("jti", claims.ID),
		zap.String("type", claims.TokenType),
		zap.Duration("ttl", ttl),
	)
	return nil
}

// IsTokenRevoked checks if a token has been revoked
func (ts *TokenService) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	if ts.redis == nil {
		return false, nil
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return false, ErrTokenInvalid
	}
	return ts.isRevoked(ctx, claims.ID)
}

func (ts *TokenService) isRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, nil
	}
	exists, err := ts.redis.Exists(ctx, ts.blacklistKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// RefreshAccessToken issues a new access token from a valid refresh token.
// The role is looked up fresh so that role changes apply on refresh.
func (ts *TokenService) RefreshAccessToken(ctx context.Context, refreshToken string, role Role) (string, *Claims, error) {
	claims, err := ts.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		return "", nil, fmt.Errorf("validate refresh token: %w", err)
	}

	access, err := ts.GenerateAccessToken(ctx, claims.Subject, role, claims.SessionID)
	if err != nil {
		return "", nil, fmt.Errorf("generate access token: %w", err)
	}
	return access, claims, nil
}

func (ts *TokenService) blacklistKey(jti string) string {
	return fmt.Sprintf("hr:revoked:%s", jti)
}
