// Package main is the entry point for the HR portal Access Service
// Access Service handles portal logins, sessions and permission checks
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/hrportal/hrportal/internal/audit"
	"github.com/hrportal/hrportal/internal/auth"
	"github.com/hrportal/hrportal/internal/common/config"
	"github.com/hrportal/hrportal/internal/common/database"
	"github.com/hrportal/hrportal/internal/common/health"
	"github.com/hrportal/hrportal/internal/common/logger"
	"github.com/hrportal/hrportal/internal/common/middleware"
	"github.com/hrportal/hrportal/internal/common/shutdown"
	"github.com/hrportal/hrportal/internal/common/tracing"
	"github.com/hrportal/hrportal/internal/common/validation"
	"github.com/hrportal/hrportal/internal/directory"
	"github.com/hrportal/hrportal/internal/identity"
	"github.com/hrportal/hrportal/internal/mfa"
	"github.com/hrportal/hrportal/internal/policy"
	"github.com/hrportal/hrportal/internal/sso"
)

const serviceName = "access-service"

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	log := logger.WithService(logger.New(), serviceName)
	defer log.Sync()

	log.Info("Starting Access Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	if err := run(context.Background(), log); err != nil {
		log.Fatal("Access Service stopped", zap.Error(err))
	}
	log.Info("Server exited")
}

func run(ctx context.Context, log *zap.Logger) error {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	stop := shutdown.NewManager(log, 30*time.Second)

	traceShutdown, err := tracing.Init(ctx, tracing.ConfigFromEnv(serviceName, cfg.Environment), log)
	if err != nil {
		log.Warn("Tracing unavailable", zap.Error(err))
	} else {
		stop.RegisterHook("tracing", traceShutdown)
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	stop.RegisterHook("postgres", func(context.Context) error {
		db.Close()
		return nil
	})

	rdb, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	stop.RegisterHook("redis", func(context.Context) error { return rdb.Close() })

	if err := identity.InitializeSchema(ctx, db.Pool); err != nil {
		return err
	}
	if err := audit.InitializeSchema(ctx, db.Pool); err != nil {
		return err
	}

	checks := health.NewService(log)
	checks.Register(health.NewPingFunc("postgres", db.Ping))
	checks.Register(health.NewPingFunc("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))

	var auditSvc *audit.Service
	if cfg.EnableAuditLogging {
		var indexer audit.Indexer
		if cfg.ElasticsearchURL != "" {
			es, err := database.NewElasticsearch(cfg.ElasticsearchURL)
			if err != nil {
				log.Warn("Elasticsearch unavailable, audit events stay in Postgres only", zap.Error(err))
			} else {
				indexer = es
				checks.Register(health.NewPingFunc("elasticsearch", es.Ping))
			}
		}
		auditSvc = audit.NewService(audit.NewPostgresStore(db.Pool), indexer, log)
		_ = auditSvc.InitIndex(ctx)
		stop.RegisterHook("audit", func(context.Context) error {
			auditSvc.Flush()
			return nil
		})
	}

	privateKey, publicKey, err := loadSigningKeys(cfg, log)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenService(privateKey, publicKey, rdb, log).WithConfig(auth.TokenConfig{
		AccessTokenDuration:  cfg.JWT.AccessTTL,
		RefreshTokenDuration: cfg.JWT.RefreshTTL,
		Issuer:               cfg.JWT.Issuer,
		Audience:             cfg.JWT.Audience,
	})
	sessions := auth.NewSessionService(rdb, log).WithConfig(auth.SessionConfig{
		DefaultTTL:  cfg.Session.TTL,
		MaxSessions: cfg.Session.MaxSessions,
	})
	evaluator := auth.NewEvaluator(auth.NewCatalog(nil))

	twoFactor, err := newTwoFactor(cfg, rdb, log)
	if err != nil {
		return err
	}

	var ldap directory.Authenticator
	if cfg.LDAP.Enabled {
		connector := directory.NewLDAPConnector(directory.Config{
			Enabled:       true,
			URL:           cfg.LDAP.URL,
			StartTLS:      cfg.LDAP.StartTLS,
			SkipTLSVerify: cfg.LDAP.SkipVerify,
			BindDN:        cfg.LDAP.BindDN,
			BindPassword:  cfg.LDAP.BindPassword,
			BaseDN:        cfg.LDAP.BaseDN,
			UserFilter:    cfg.LDAP.UserFilter,
			Timeout:       cfg.LDAP.Timeout,
			GroupRoles:    cfg.LDAP.GroupRoles,
			DefaultRole:   cfg.LDAP.DefaultRole,
			EmailDomain:   cfg.LDAP.EmailDomain,
		}, log)
		checks.Register(health.NewPingFunc("ldap", func(context.Context) error { return connector.Ping() }))
		ldap = connector
	}

	providers := make([]*sso.Provider, 0, len(cfg.SSO))
	for name, p := range cfg.SSO {
		provider, err := sso.NewProvider(ctx, name, sso.ProviderConfig{
			IssuerURL:      p.IssuerURL,
			ClientID:       p.ClientID,
			ClientSecret:   p.ClientSecret,
			RedirectURL:    p.RedirectURL,
			Scopes:         p.Scopes,
			RoleExpression: p.RoleExpression,
			DefaultRole:    p.DefaultRole,
		})
		if err != nil {
			log.Error("SSO provider disabled", zap.String("provider", name), zap.Error(err))
			continue
		}
		providers = append(providers, provider)
	}

	var guard auth.PolicyGuard
	if cfg.Policy.RegoPath != "" {
		engine, err := policy.LoadFile(ctx, cfg.Policy.RegoPath, log)
		if err != nil {
			return fmt.Errorf("load site policy: %w", err)
		}
		guard = engine
	}

	svc := identity.NewService(identity.Deps{
		Repo:      identity.NewPostgreSQLRepository(db.Pool),
		Tokens:    tokens,
		Sessions:  sessions,
		Passwords: auth.NewPasswordService(),
		Evaluator: evaluator,
		Directory: ldap,
		SSO:       sso.NewManager(rdb, log, providers...),
		TwoFactor: twoFactor,
		Audit:     auditSvc,
		Policy:    guard,
		Logger:    log,
	})

	rbac := auth.NewRBACMiddleware(auth.RBACConfig{
		TokenValidator: tokens,
		Users:          svc,
		Evaluator:      evaluator,
		Policy:         guard,
		Logger:         log,
		OnDecision: func(_ *auth.User, _ auth.Request, d auth.Decision) {
			middleware.RecordPermissionDecision(string(d.Source), d.Allowed)
		},
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := validation.RegisterBindingValidators(); err != nil {
		return fmt.Errorf("register validators: %w", err)
	}

	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.GetCORSOrigins()))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(middleware.PrometheusMetrics(serviceName))

	router.GET("/metrics", middleware.MetricsHandler())
	checks.RegisterRoutes(router, serviceName)

	var loginGuard gin.HandlerFunc
	if cfg.EnableRateLimit {
		loginGuard = middleware.LoginRateLimit(rdb, middleware.LoginRateLimitConfig{
			Requests:  cfg.RateLimit.LoginRequests,
			Window:    cfg.RateLimit.LoginWindow,
			KeyPrefix: "hr:ratelimit:login:",
		}, log)
	}
	identity.NewHandler(svc, auditSvc, log).RegisterRoutes(router.Group("/api/auth"), rbac, loginGuard)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return stop.Serve(ctx, server)
}

// loadSigningKeys reads the RS256 key pair. Without configured paths a fresh
// pair is generated, so tokens do not survive a restart.
func loadSigningKeys(cfg *config.Config, log *zap.Logger) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if cfg.JWT.PrivateKeyPath == "" || cfg.JWT.PublicKeyPath == "" {
		log.Warn("JWT key paths not set, using an ephemeral signing key")
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, fmt.Errorf("generate signing key: %w", err)
		}
		return key, &key.PublicKey, nil
	}

	privPEM, err := os.ReadFile(cfg.JWT.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	pubPEM, err := os.ReadFile(cfg.JWT.PublicKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read public key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parse public key: %w", err)
	}
	return privateKey, publicKey, nil
}

func newTwoFactor(cfg *config.Config, rdb redis.Cmdable, log *zap.Logger) (*mfa.Service, error) {
	var enc mfa.SecretEncrypter = mfa.PlaintextEncrypter{}
	if cfg.MFA.EncryptionKey != "" {
		aes, err := mfa.NewAESGCMEncrypter(cfg.MFA.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("mfa encrypter: %w", err)
		}
		enc = aes
	} else {
		log.Warn("mfa.encryption_key not set, TOTP secrets are stored unencrypted")
	}

	mfaCfg := mfa.DefaultConfig()
	if cfg.MFA.Issuer != "" {
		mfaCfg.Issuer = cfg.MFA.Issuer
	}
	if cfg.MFA.EnrollmentTTL > 0 {
		mfaCfg.EnrollmentTTL = cfg.MFA.EnrollmentTTL
	}
	return mfa.NewService(rdb, enc, log).WithConfig(mfaCfg), nil
}
