// Package directory authenticates employees against the corporate LDAP directory
package directory

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and empty passwords
	ErrInvalidCredentials = errors.New("invalid directory credentials")

	// ErrDisabled is returned when LDAP login is switched off
	ErrDisabled = errors.New("ldap login is disabled")
)

// Config holds connection and mapping settings for the directory
type Config struct {
	Enabled       bool
	URL           string
	StartTLS      bool
	SkipTLSVerify bool
	BindDN        string
	BindPassword  string
	BaseDN        string
	// UserFilter is a printf pattern with one %s for the escaped username
	UserFilter string
	Timeout    time.Duration
	// GroupRoles maps a group CN or full DN (case-insensitive) to a role name
	GroupRoles  map[string]string
	DefaultRole string
	// EmailDomain builds an address for entries without a mail attribute
	EmailDomain string
}

// AttributeMapping names the LDAP attributes read for a user
type AttributeMapping struct {
	Name       string
	Email      string
	Department string
	Title      string
	MemberOf   string
}

// DefaultMapping matches a typical OpenLDAP or Active Directory schema
func DefaultMapping() AttributeMapping {
	return AttributeMapping{
		Name:       "cn",
		Email:      "mail",
		Department: "department",
		Title:      "title",
		MemberOf:   "memberOf",
	}
}

func (m AttributeMapping) attributes() []string {
	return []string{"dn", m.Name, m.Email, m.Department, m.Title, m.MemberOf}
}

// Entry is an authenticated directory user
type Entry struct {
	DN         string
	Username   string
	Name       string
	Email      string
	Department string
	Title      string
	Groups     []string
	Role       string
}
