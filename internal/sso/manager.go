package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrUnknownProvider is returned for a provider name that is not configured
	ErrUnknownProvider = errors.New("unknown sso provider")

	// ErrInvalidState is returned for unknown, expired, reused or mismatched state values
	ErrInvalidState = errors.New("invalid or expired sso state")
)

const (
	defaultStatePrefix = "hr:sso:state:"
	defaultStateTTL    = 10 * time.Minute
)

// AuthRequest is the start of a login: the URL to visit and the state to echo back
type AuthRequest struct {
	URL   string `json:"authUrl"`
	State string `json:"state"`
}

type pendingLogin struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
}

// Manager holds configured providers and the pending login state in Redis
type Manager struct {
	providers map[string]*Provider
	redis     redis.Cmdable
	logger    *zap.Logger
	stateTTL  time.Duration
	prefix    string
}

// NewManager creates a manager over providers
func NewManager(redisClient redis.Cmdable, logger *zap.Logger, providers ...*Provider) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		providers: make(map[string]*Provider, len(providers)),
		redis:     redisClient,
		logger:    logger.With(zap.String("component", "sso")),
		stateTTL:  defaultStateTTL,
		prefix:    defaultStatePrefix,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// Providers lists configured provider names
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Begin stores a fresh state and nonce and returns the authorization URL
func (m *Manager) Begin(ctx context.Context, provider string) (*AuthRequest, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	state, err := randomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	data, err := json.Marshal(pendingLogin{Provider: provider, Nonce: nonce})
	if err != nil {
		return nil, err
	}
	if err := m.redis.Set(ctx, m.prefix+state, data, m.stateTTL).Err(); err != nil {
		return nil, fmt.Errorf("store sso state: %w", err)
	}

	return &AuthRequest{URL: p.AuthURL(state, nonce), State: state}, nil
}

// Complete consumes state and exchanges code with the provider that issued it
func (m *Manager) Complete(ctx context.Context, provider, code, state string) (*Identity, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if state == "" {
		return nil, ErrInvalidState
	}

	raw, err := m.redis.GetDel(ctx, m.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("load sso state: %w", err)
	}

	var pending pendingLogin
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, ErrInvalidState
	}
	if pending.Provider != provider {
		m.logger.Warn("sso state used with another provider",
			zap.String("expected", pending.Provider),
			zap.String("got", provider))
		return nil, ErrInvalidState
	}

	id, err := p.Exchange(ctx, code, pending.Nonce)
	if err != nil {
		m.logger.Warn("sso exchange failed", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}
	return id, nil
}
