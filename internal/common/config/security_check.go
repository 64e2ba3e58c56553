package config

import (
	"strings"

	"go.uber.org/zap"
)

// ProductionWarnings lists insecure settings that are tolerated in development
func (c *Config) ProductionWarnings() []string {
	var warnings []string
	if c.CORSAllowedOrigins == "*" {
		warnings = append(warnings, "CORS allows every origin; set cors_allowed_origins")
	}
	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		warnings = append(warnings, "database connection does not use TLS")
	}
	if c.LDAP.Enabled && strings.HasPrefix(c.LDAP.URL, "ldap://") && !c.LDAP.StartTLS {
		warnings = append(warnings, "LDAP bind credentials travel in clear text; use ldaps:// or start_tls")
	}
	if !c.EnableRateLimit {
		warnings = append(warnings, "login rate limiting is disabled")
	}
	for name, p := range c.SSO {
		if strings.HasPrefix(p.RedirectURL, "http://") {
			warnings = append(warnings, "sso provider "+name+" redirects over plain http")
		}
	}
	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
