package directory

import (
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/hrportal/hrportal/internal/auth"
)

const unknownDepartment = "Unknown"

// MapEntry converts a search result into an Entry. Missing mail and department
// attributes get fallbacks so that provisioning never stores empty values.
func MapEntry(entry *ldap.Entry, username string, mapping AttributeMapping, cfg Config) *Entry {
	out := &Entry{
		DN:         entry.DN,
		Username:   username,
		Name:       entry.GetAttributeValue(mapping.Name),
		Email:      entry.GetAttributeValue(mapping.Email),
		Department: entry.GetAttributeValue(mapping.Department),
		Title:      entry.GetAttributeValue(mapping.Title),
		Groups:     entry.GetAttributeValues(mapping.MemberOf),
	}

	if out.Name == "" {
		out.Name = username
	}
	if out.Email == "" {
		domain := cfg.EmailDomain
		if domain == "" {
			domain = "company.com"
		}
		out.Email = username + "@" + domain
	}
	if out.Department == "" {
		out.Department = unknownDepartment
	}
	out.Role = RoleForGroups(out.Groups, cfg.GroupRoles, cfg.DefaultRole)
	return out
}

// RoleForGroups picks the most privileged role any group maps to. Groups match
// on their first CN or their full DN, case-insensitively. Unmapped or invalid
// roles are ignored and fallback (or ldap_user) applies.
func RoleForGroups(groups []string, groupRoles map[string]string, fallback string) string {
	mapping := make(map[string]auth.Role, len(groupRoles))
	for k, v := range groupRoles {
		if auth.IsValidRole(v) {
			mapping[strings.ToLower(k)] = auth.Role(v)
		}
	}

	best := auth.Role("")
	for _, group := range groups {
		role, ok := mapping[strings.ToLower(group)]
		if !ok {
			role, ok = mapping[strings.ToLower(groupCN(group))]
		}
		if !ok {
			continue
		}
		if best == "" || role.Level() > best.Level() {
			best = role
		}
	}

	if best != "" {
		return string(best)
	}
	if auth.IsValidRole(fallback) {
		return fallback
	}
	return string(auth.RoleLDAPUser)
}

// groupCN returns the value of the first RDN when it is a CN, or "" otherwise
func groupCN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return ""
	}
	attr := parsed.RDNs[0].Attributes[0]
	if !strings.EqualFold(attr.Type, "cn") {
		return ""
	}
	return attr.Value
}
