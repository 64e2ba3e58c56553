package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrPasswordTooShort is returned when the password is less than the minimum length
	ErrPasswordTooShort = errors.New("password is too short")

	// ErrPasswordMissingUppercase is returned when the password has no uppercase letters
	ErrPasswordMissingUppercase = errors.New("password must contain at least one uppercase letter")

	// ErrPasswordMissingLowercase is returned when the password has no lowercase letters
	ErrPasswordMissingLowercase = errors.New("password must contain at least one lowercase letter")

	// ErrPasswordMissingDigit is returned when the password has no digits
	ErrPasswordMissingDigit = errors.New("password must contain at least one digit")

	// ErrPasswordMissingSpecial is returned when the password has no special characters
	ErrPasswordMissingSpecial = errors.New("password must contain at least one special character")

	// ErrPasswordMismatch is returned when the password does not match the hash
	ErrPasswordMismatch = errors.New("password does not match")

	// ErrInvalidHashFormat is returned when the hash format is invalid
	ErrInvalidHashFormat = errors.New("invalid hash format")
)

// PasswordPolicy defines password requirements
type PasswordPolicy struct {
	MinLength          int
	RequireUppercase   bool
	RequireLowercase   bool
	RequireDigit       bool
	RequireSpecialChar bool
}

// DefaultPasswordPolicy is the portal policy: 8 characters with all four classes
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:          8,
		RequireUppercase:   true,
		RequireLowercase:   true,
		RequireDigit:       true,
		RequireSpecialChar: true,
	}
}

// PasswordService hashes new passwords with Argon2id and verifies both
// Argon2id and legacy bcrypt hashes.
type PasswordService struct {
	policy            PasswordPolicy
	argon2Time        uint32
	argon2Memory      uint32
	argon2Parallelism uint8
	argon2KeyLength   uint32
}

// NewPasswordService creates a new PasswordService with default settings
func NewPasswordService() *PasswordService {
	return &PasswordService{
		policy:            DefaultPasswordPolicy(),
		argon2Time:        3,
		argon2Memory:      64 * 1024,
		argon2Parallelism: 4,
		argon2KeyLength:   32,
	}
}

// WithPolicy sets a custom password policy
func (ps *PasswordService) WithPolicy(policy PasswordPolicy) *PasswordService {
	ps.policy = policy
	return ps
}

// WithArgon2Params sets custom Argon2id parameters
func (ps *PasswordService) WithArgon2Params(time, memory uint32, parallelism uint8, keyLength uint32) *PasswordService {
	ps.argon2Time = time
	ps.argon2Memory = memory
	ps.argon2Parallelism = parallelism
	ps.argon2KeyLength = keyLength
	return ps
}

// Validate checks if a password meets the policy requirements
func (ps *PasswordService) Validate(password string) error {
	if len(password) < ps.policy.MinLength {
		return fmt.Errorf("%w: minimum length is %d", ErrPasswordTooShort, ps.policy.MinLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	switch {
	case ps.policy.RequireUppercase && !hasUpper:
		return ErrPasswordMissingUppercase
	case ps.policy.RequireLowercase && !hasLower:
		return ErrPasswordMissingLowercase
	case ps.policy.RequireDigit && !hasDigit:
		return ErrPasswordMissingDigit
	case ps.policy.RequireSpecialChar && !hasSpecial:
		return ErrPasswordMissingSpecial
	}
	return nil
}

// Hash validates the password and returns its Argon2id encoding:
// $argon2id$v=19$t=3,m=65536,p=4$salt$hash
func (ps *PasswordService) Hash(password string) (string, error) {
	if err := ps.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, ps.argon2Time, ps.argon2Memory, ps.argon2Parallelism, ps.argon2KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$t=%d,m=%d,p=%d$%s$%s",
		argon2.Version,
		ps.argon2Time,
		ps.argon2Memory,
		ps.argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// Verify checks a password against an Argon2id or bcrypt hash
func (ps *PasswordService) Verify(password, encodedHash string) (bool, error) {
	switch {
	case strings.HasPrefix(encodedHash, "$argon2id$"):
		return ps.verifyArgon2id(password, encodedHash)
	case ps.NeedsRehash(encodedHash):
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, ErrPasswordMismatch
		}
		if err != nil {
			return false, ErrInvalidHashFormat
		}
		return true, nil
	default:
		return false, ErrInvalidHashFormat
	}
}

// NeedsRehash reports whether the hash is a legacy bcrypt hash that should be
// replaced by Argon2id on the next successful login
func (ps *PasswordService) NeedsRehash(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$2a$") ||
		strings.HasPrefix(encodedHash, "$2b$") ||
		strings.HasPrefix(encodedHash, "$2y$")
}

func (ps *PasswordService) verifyArgon2id(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != "v=19" {
		return false, ErrInvalidHashFormat
	}

	var time, memory uint32
	var parallelism uint8
	for _, p := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return false, ErrInvalidHashFormat
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return false, ErrInvalidHashFormat
		}
		switch k {
		case "t":
			time = uint32(n)
		case "m":
			memory = uint32(n)
		case "p":
			if n > 255 {
				return false, ErrInvalidHashFormat
			}
			parallelism = uint8(n)
		}
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, time, memory, parallelism, uint32(len(decodedHash)))
	if subtle.ConstantTimeCompare(hash, decodedHash) == 1 {
		return true, nil
	}
	return false, ErrPasswordMismatch
}
