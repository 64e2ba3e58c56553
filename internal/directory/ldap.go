package directory

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"
)

// Authenticator verifies directory credentials
type Authenticator interface {
	Authenticate(username, password string) (*Entry, error)
}

// LDAPConnector authenticates users with a service bind, a search and a user bind
type LDAPConnector struct {
	cfg     Config
	mapping AttributeMapping
	logger  *zap.Logger
}

// NewLDAPConnector creates a new LDAP connector
func NewLDAPConnector(cfg Config, logger *zap.Logger) *LDAPConnector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserFilter == "" {
		cfg.UserFilter = "(uid=%s)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &LDAPConnector{
		cfg:     cfg,
		mapping: DefaultMapping(),
		logger:  logger.With(zap.String("component", "ldap-connector")),
	}
}

// WithMapping overrides the attribute names read from entries
func (c *LDAPConnector) WithMapping(m AttributeMapping) *LDAPConnector {
	c.mapping = m
	return c
}

// Connect dials the server, upgrades with StartTLS when configured and binds
// as the service account.
func (c *LDAPConnector) Connect() (*ldap.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP url: %w", err)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.cfg.SkipTLSVerify,
		ServerName:         u.Hostname(),
	}

	conn, err := ldap.DialURL(c.cfg.URL,
		ldap.DialWithTLSConfig(tlsConfig),
		ldap.DialWithDialer(&net.Dialer{Timeout: c.cfg.Timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", u.Host, err)
	}
	conn.SetTimeout(c.cfg.Timeout)

	if c.cfg.StartTLS && u.Scheme != "ldaps" {
		if err := conn.StartTLS(tlsConfig); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}

	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("LDAP bind failed: %w", err)
		}
	}

	return conn, nil
}

// Authenticate finds the user entry and binds as it to check the password
func (c *LDAPConnector) Authenticate(username, password string) (*Entry, error) {
	if !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	// An empty password would turn the user bind into an unauthenticated bind.
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	conn, err := c.Connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := c.findUser(conn, username)
	if err != nil {
		return nil, err
	}

	if err := conn.Bind(entry.DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			c.logger.Info("LDAP authentication rejected", zap.String("username", username))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("LDAP authentication failed: %w", err)
	}

	mapped := MapEntry(entry, username, c.mapping, c.cfg)
	c.logger.Info("LDAP authentication succeeded",
		zap.String("username", username),
		zap.String("role", mapped.Role),
		zap.Int("groups", len(mapped.Groups)),
	)
	return mapped, nil
}

// Ping binds as the service account
func (c *LDAPConnector) Ping() error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func (c *LDAPConnector) findUser(conn *ldap.Conn, username string) (*ldap.Entry, error) {
	searchReq := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, int(c.cfg.Timeout.Seconds()), false,
		UserFilter(c.cfg.UserFilter, username),
		c.mapping.attributes(),
		nil,
	)

	result, err := conn.Search(searchReq)
	if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
		c.logger.Warn("LDAP user filter matched several entries", zap.String("username", username))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("user search failed: %w", err)
	}
	if len(result.Entries) != 1 {
		c.logger.Info("LDAP user lookup did not yield exactly one entry",
			zap.String("username", username),
			zap.Int("entries", len(result.Entries)),
		)
		return nil, ErrInvalidCredentials
	}
	return result.Entries[0], nil
}

// UserFilter fills the filter pattern with the escaped username
func UserFilter(pattern, username string) string {
	return fmt.Sprintf(pattern, ldap.EscapeFilter(username))
}
