// Package identity holds portal accounts and serves the /api/auth endpoints
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hrportal/hrportal/internal/auth"
	apperrors "github.com/hrportal/hrportal/internal/common/errors"
)

var (
	// ErrUserNotFound is returned when no account matches the lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrPermissionNotFound is returned when revoking a grant that does not exist
	ErrPermissionNotFound = errors.New("permission not found")
)

// Repository defines the account and explicit-permission store
type Repository interface {
	GetUser(ctx context.Context, id string) (*auth.User, error)
	GetUserByEmail(ctx context.Context, email string) (*auth.User, error)
	GetUserByLDAPID(ctx context.Context, ldapID string) (*auth.User, error)
	CreateUser(ctx context.Context, user *auth.User, passwordHash string) error
	UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*auth.User, error)
	LinkLDAP(ctx context.Context, id, ldapID string) error

	GetPasswordHash(ctx context.Context, id string) (string, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	TouchLastLogin(ctx context.Context, id string, method auth.LoginMethod, at time.Time) error

	ListPermissions(ctx context.Context, userID string) ([]auth.Permission, error)
	GrantPermission(ctx context.Context, userID string, p *auth.Permission, grantedBy string) error
	RevokePermission(ctx context.Context, userID, permissionID string) error

	Ping(ctx context.Context) error
}

// PostgreSQLRepository implements Repository using PostgreSQL
type PostgreSQLRepository struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLRepository creates a new PostgreSQL repository
func NewPostgreSQLRepository(pool *pgxpool.Pool) *PostgreSQLRepository {
	return &PostgreSQLRepository{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	role          TEXT NOT NULL DEFAULT 'employee',
	department    TEXT NOT NULL DEFAULT '',
	job_title     TEXT NOT NULL DEFAULT '',
	seniority     TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	login_method  TEXT NOT NULL DEFAULT 'email',
	ldap_id       TEXT UNIQUE,
	avatar        TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	attributes    JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_login    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS user_permissions (
	id          UUID PRIMARY KEY,
	user_id     UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name        TEXT NOT NULL DEFAULT '',
	resource    TEXT NOT NULL,
	action      TEXT NOT NULL,
	scope       TEXT NOT NULL,
	conditions  JSONB NOT NULL DEFAULT '[]'::jsonb,
	granted_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, resource, action, scope)
);

CREATE INDEX IF NOT EXISTS idx_user_permissions_user ON user_permissions(user_id);
`

// InitializeSchema creates the users and user_permissions tables
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create identity schema: %w", err)
	}
	return nil
}

// Ping checks if the database connection is alive
func (r *PostgreSQLRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

const userColumns = `id, email, name, role, department, job_title, seniority, is_active,
	login_method, COALESCE(ldap_id, ''), avatar, attributes, last_login, created_at, updated_at`

// GetUser loads a user with their explicit permissions
func (r *PostgreSQLRepository) GetUser(ctx context.Context, id string) (*auth.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrUserNotFound
	}
	return r.getUserBy(ctx, "id = $1", id)
}

// GetUserByEmail loads a user by email, case-insensitively
func (r *PostgreSQLRepository) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return r.getUserBy(ctx, "LOWER(email) = LOWER($1)", email)
}

// GetUserByLDAPID loads a user by directory username
func (r *PostgreSQLRepository) GetUserByLDAPID(ctx context.Context, ldapID string) (*auth.User, error) {
	return r.getUserBy(ctx, "ldap_id = $1", ldapID)
}

func (r *PostgreSQLRepository) getUserBy(ctx context.Context, where string, arg interface{}) (*auth.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	row := r.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	perms, err := r.ListPermissions(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Permissions = perms
	return user, nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		u          auth.User
		role       string
		method     string
		attributes []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &role, &u.Department, &u.JobTitle, &u.Seniority,
		&u.IsActive, &method, &u.LDAPID, &u.Avatar, &attributes, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	u.LoginMethod = auth.LoginMethod(method)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &u.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return &u, nil
}

// CreateUser inserts user, assigning an ID and timestamps when missing
func (r *PostgreSQLRepository) CreateUser(ctx context.Context, user *auth.User, passwordHash string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	attributes, err := json.Marshal(user.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	if user.Attributes == nil {
		attributes = []byte("{}")
	}

	var ldapID interface{}
	if user.LDAPID != "" {
		ldapID = user.LDAPID
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO users (id, email, name, role, department, job_title, seniority, is_active,
			login_method, ldap_id, avatar, password_hash, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		user.ID, user.Email, user.Name, string(user.Role), user.Department, user.JobTitle, user.Seniority,
		user.IsActive, string(user.LoginMethod), ldapID, user.Avatar, passwordHash, attributes,
		user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return apperrors.UserAlreadyExists(user.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// UpdateProfile applies the self-service profile fields and returns the updated user
func (r *PostgreSQLRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*auth.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			avatar = COALESCE($3, avatar),
			updated_at = NOW()
		WHERE id = $1`, id, update.Name, update.Avatar)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrUserNotFound
	}
	return r.GetUser(ctx, id)
}

// LinkLDAP records the directory username on an existing account
func (r *PostgreSQLRepository) LinkLDAP(ctx context.Context, id, ldapID string) error {
	return r.execOne(ctx, "link ldap id",
		`UPDATE users SET ldap_id = $2, updated_at = NOW() WHERE id = $1`, id, ldapID)
}

// GetPasswordHash returns the stored hash, empty for directory-only accounts
func (r *PostgreSQLRepository) GetPasswordHash(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var hash string
	err := r.pool.QueryRow(ctx, `SELECT password_hash FROM users WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get password hash: %w", err)
	}
	return hash, nil
}

// UpdatePassword replaces the stored hash
func (r *PostgreSQLRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.execOne(ctx, "update password",
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, passwordHash)
}

// TouchLastLogin records a successful login
func (r *PostgreSQLRepository) TouchLastLogin(ctx context.Context, id string, method auth.LoginMethod, at time.Time) error {
	return r.execOne(ctx, "touch last login",
		`UPDATE users SET last_login = $2, login_method = $3 WHERE id = $1`, id, at, string(method))
}

func (r *PostgreSQLRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListPermissions returns the user's explicit grants in grant order
func (r *PostgreSQLRepository) ListPermissions(ctx context.Context, userID string) ([]auth.Permission, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, resource, action, scope, conditions
		FROM user_permissions WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	perms := []auth.Permission{}
	for rows.Next() {
		var (
			p          auth.Permission
			scope      string
			conditions []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &scope, &conditions); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.Scope = auth.Scope(scope)
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
				return nil, fmt.Errorf("unmarshal conditions: %w", err)
			}
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GrantPermission stores an explicit grant. A grant with the same resource,
// action and scope is replaced.
func (r *PostgreSQLRepository) GrantPermission(ctx context.Context, userID string, p *auth.Permission, grantedBy string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	conditions := []byte("[]")
	if len(p.Conditions) > 0 {
		var err error
		if conditions, err = json.Marshal(p.Conditions); err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO user_permissions (id, user_id, name, resource, action, scope, conditions, granted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, resource, action, scope)
		DO UPDATE SET name = EXCLUDED.name, conditions = EXCLUDED.conditions, granted_by = EXCLUDED.granted_by
		RETURNING id`,
		p.ID, userID, p.Name, p.Resource, p.Action, string(p.Scope), conditions, grantedBy,
	).Scan(&p.ID)
	if err != nil {
		return apperrors.DatabaseError("grant permission", err)
	}
	return nil
}

// RevokePermission deletes one explicit grant of the user
func (r *PostgreSQLRepository) RevokePermission(ctx context.Context, userID, permissionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND id = $2`, userID, permissionID)
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPermissionNotFound
	}
	return nil
}
