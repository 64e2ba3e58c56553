// Package mfa implements TOTP two-factor authentication with secrets kept in Redis
package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNotEnrolled is returned when the user has no (pending or confirmed) secret
	ErrNotEnrolled = errors.New("two-factor authentication is not enabled")

	// ErrAlreadyEnabled is returned when enrolling a user that already has a confirmed secret
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")

	// ErrInvalidCode is returned for wrong, malformed or replayed codes
	ErrInvalidCode = errors.New("invalid two-factor code")

	// ErrTooManyAttempts is returned once the per-user verification budget is spent
	ErrTooManyAttempts = errors.New("too many two-factor attempts")
)

const (
	// DefaultPeriod is the RFC 6238 time step in seconds
	DefaultPeriod = 30

	// DefaultSkew accepts one step either side for clock drift
	DefaultSkew = 1

	// DefaultSecretSize is the secret length in bytes
	DefaultSecretSize = 20

	defaultKeyPrefix = "hr:mfa:"
)

// Config holds TOTP generation and validation settings
type Config struct {
	Issuer        string
	Period        uint
	Skew          uint
	Digits        otp.Digits
	Algorithm     otp.Algorithm
	SecretSize    uint
	EnrollmentTTL time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
	KeyPrefix     string
}

// DefaultConfig returns six-digit SHA1 codes, which every authenticator app supports
func DefaultConfig() Config {
	return Config{
		Issuer:        "HR Portal",
		Period:        DefaultPeriod,
		Skew:          DefaultSkew,
		Digits:        otp.DigitsSix,
		Algorithm:     otp.AlgorithmSHA1,
		SecretSize:    DefaultSecretSize,
		EnrollmentTTL: 10 * time.Minute,
		MaxAttempts:   5,
		AttemptWindow: time.Minute,
		KeyPrefix:     defaultKeyPrefix,
	}
}

// Enrollment is handed to the user to configure an authenticator app
type Enrollment struct {
	Secret    string    `json:"secret"`
	URL       string    `json:"otpauthUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service enrolls, confirms and verifies TOTP codes
type Service struct {
	config    Config
	redis     redis.Cmdable
	encrypter SecretEncrypter
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a TOTP service. A nil encrypter stores secrets in plaintext.
func NewService(redisClient redis.Cmdable, encrypter SecretEncrypter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if encrypter == nil {
		encrypter = PlaintextEncrypter{}
	}
	return &Service{
		config:    DefaultConfig(),
		redis:     redisClient,
		encrypter: encrypter,
		logger:    logger,
		now:       time.Now,
	}
}

// WithConfig overrides the non-zero fields of cfg
func (s *Service) WithConfig(cfg Config) *Service {
	if cfg.Issuer != "" {
		s.config.Issuer = cfg.Issuer
	}
	if cfg.Period > 0 {
		s.config.Period = cfg.Period
	}
	if cfg.Skew > 0 {
		s.config.Skew = cfg.Skew
	}
	if cfg.SecretSize > 0 {
		s.config.SecretSize = cfg.SecretSize
	}
	if cfg.EnrollmentTTL > 0 {
		s.config.EnrollmentTTL = cfg.EnrollmentTTL
	}
	if cfg.MaxAttempts > 0 {
		s.config.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.AttemptWindow > 0 {
		s.config.AttemptWindow = cfg.AttemptWindow
	}
	if cfg.KeyPrefix != "" {
		s.config.KeyPrefix = cfg.KeyPrefix
	}
	return s
}

// WithClock overrides the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enroll generates a pending secret. It becomes active after Confirm.
func (s *Service) Enroll(ctx context.Context, userID, accountName string) (*Enrollment, error) {
	enabled, err := s.Enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enabled {
		return nil, ErrAlreadyEnabled
	}

	if accountName == "" {
		accountName = userID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: accountName,
		Period:      s.config.Period,
		SecretSize:  s.config.SecretSize,
		Digits:      s.config.Digits,
		Algorithm:   s.config.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	sealed, err := s.encrypter.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}
	if err := s.redis.Set(ctx, s.pendingKey(userID), sealed, s.config.EnrollmentTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store pending secret: %w", err)
	}

	s.logger.Info("TOTP enrollment started", zap.String("user_id", userID))

	return &Enrollment{
		Secret:    key.Secret(),
		URL:       key.URL(),
		ExpiresAt: s.now().Add(s.config.EnrollmentTTL),
	}, nil
}

// Confirm checks a code against the pending secret and activates it
func (s *Service) Confirm(ctx context.Context, userID, code string) error {
	secret, err := s.loadSecret(ctx, s.pendingKey(userID))
	if err != nil {
		return err
	}
	if err := s.check(ctx, userID, secret, code); err != nil {
		return err
	}

	sealed, err := s.encrypter.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.secretKey(userID), sealed, 0)
	pipe.Del(ctx, s.pendingKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to activate secret: %w", err)
	}

	s.logger.Info("TOTP enabled", zap.String("user_id", userID))
	return nil
}

// Enabled reports whether the user has a confirmed secret
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.secretKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check TOTP enrollment: %w", err)
	}
	return n > 0, nil
}

// Verify checks a code against the confirmed secret
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	secret, err := s.loadSecret(ctx, s.secretKey(userID))
	if err != nil {
		return err
	}
	return s.check(ctx, userID, secret, code)
}

// Disable removes the confirmed secret after checking a current code
func (s *Service) Disable(ctx context.Context, userID, code string) error {
	if err := s.Verify(ctx, userID, code); err != nil {
		return err
	}
	if err := s.redis.Del(ctx, s.secretKey(userID), s.pendingKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove secret: %w", err)
	}
	s.logger.Info("TOTP disabled", zap.String("user_id", userID))
	return nil
}

// GenerateCode returns the code for secret at t
func (s *Service) GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, s.validateOpts())
}

func (s *Service) check(ctx context.Context, userID, secret, code string) error {
	if err := s.countAttempt(ctx, userID); err != nil {
		return err
	}

	valid, err := totp.ValidateCustom(code, secret, s.now(), s.validateOpts())
	if err != nil || !valid {
		s.logger.Warn("TOTP code rejected", zap.String("user_id", userID))
		return ErrInvalidCode
	}

	// A code stays valid for (2*skew+1) periods, so remember it at least that long.
	ttl := time.Duration(2*s.config.Skew+1) * time.Duration(s.config.Period) * time.Second
	fresh, err := s.redis.SetNX(ctx, s.usedKey(userID, code), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to record used code: %w", err)
	}
	if !fresh {
		s.logger.Warn("TOTP code replayed", zap.String("user_id", userID))
		return ErrInvalidCode
	}
	return nil
}

func (s *Service) countAttempt(ctx context.Context, userID string) error {
	key := s.config.KeyPrefix + "attempts:" + userID

	n, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count attempt: %w", err)
	}
	if n == 1 {
		if err := s.redis.Expire(ctx, key, s.config.AttemptWindow).Err(); err != nil {
			return fmt.Errorf("failed to count attempt: %w", err)
		}
	}
	if n > int64(s.config.MaxAttempts) {
		return ErrTooManyAttempts
	}
	return nil
}

func (s *Service) loadSecret(ctx context.Context, key string) (string, error) {
	sealed, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotEnrolled
	}
	if err != nil {
		return "", fmt.Errorf("failed to load secret: %w", err)
	}
	secret, err := s.encrypter.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return secret, nil
}

func (s *Service) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    s.config.Period,
		Skew:      s.config.Skew,
		Digits:    s.config.Digits,
		Algorithm: s.config.Algorithm,
	}
}

func (s *Service) pendingKey(userID string) string {
	return s.config.KeyPrefix + "pending:" + userID
}

func (s *Service) secretKey(userID string) string {
	return s.config.KeyPrefix + "secret:" + userID
}

func (s *Service) usedKey(userID, code string) string {
	return s.config.KeyPrefix + "used:" + userID + ":" + code
}
