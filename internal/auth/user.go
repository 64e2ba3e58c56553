package auth

import (
	"time"
)

// LoginMethod identifies how a user authenticated
type LoginMethod string

const (
	LoginMethodLDAP  LoginMethod = "ldap"
	LoginMethodEmail LoginMethod = "email"
	LoginMethodSSO   LoginMethod = "sso"
)

// User is the subset of an employee record the permission model needs
type User struct {
	ID          string                 `json:"id"`
	Email       string                 `json:"email"`
	Name        string                 `json:"name"`
	Role        Role                   `json:"role"`
	Department  string                 `json:"department"`
	JobTitle    string                 `json:"jobTitle,omitempty"`
	Seniority   string                 `json:"seniority,omitempty"`
	IsActive    bool                   `json:"isActive"`
	LoginMethod LoginMethod            `json:"loginMethod,omitempty"`
	LDAPID      string                 `json:"ldapId,omitempty"`
	Avatar      string                 `json:"avatar,omitempty"`
	Permissions []Permission           `json:"permissions"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastLogin   *time.Time             `json:"lastLogin,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Attribute resolves a named field of the user. Empty values count as unresolved.
func (u *User) Attribute(name string) (interface{}, bool) {
	if u == nil {
		return nil, false
	}

	var v string
	switch name {
	case "id":
		v = u.ID
	case "email":
		v = u.Email
	case "name":
		v = u.Name
	case "role":
		v = string(u.Role)
	case "department":
		v = u.Department
	case "jobTitle", "job_title":
		v = u.JobTitle
	case "seniority":
		v = u.Seniority
	case "loginMethod", "login_method":
		v = string(u.LoginMethod)
	case "isActive", "is_active":
		return u.IsActive, true
	default:
		val, ok := u.Attributes[name]
		if !ok || val == nil {
			return nil, false
		}
		return val, true
	}

	if v == "" {
		return nil, false
	}
	return v, true
}

// Clone returns a copy of the user that shares no permission slices with the original
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Permissions = clonePermissions(u.Permissions)
	if u.Attributes != nil {
		c.Attributes = make(map[string]interface{}, len(u.Attributes))
		for k, v := range u.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
