package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func fastPasswordService() *PasswordService {
	return NewPasswordService().WithArgon2Params(1, 1024, 1, 16)
}

func TestPasswordService_Validate(t *testing.T) {
	ps := NewPasswordService()

	tests := []struct {
		name     string
		password string
		wantErr  error
	}{
		{name: "strong password", password: "StrongPass123!", wantErr: nil},
		{name: "another strong password", password: "ComplexP@ssw0rd", wantErr: nil},
		{name: "exactly minimum length plus", password: "Secure123#", wantErr: nil},
		{name: "too short", password: "Short1!", wantErr: ErrPasswordTooShort},
		{name: "empty", password: "", wantErr: ErrPasswordTooShort},
		{name: "missing uppercase", password: "nouppercase123!", wantErr: ErrPasswordMissingUppercase},
		{name: "missing lowercase", password: "NOLOWERCASE123!", wantErr: ErrPasswordMissingLowercase},
		{name: "missing digit", password: "NoNumbers!", wantErr: ErrPasswordMissingDigit},
		{name: "missing special", password: "NoSpecial123", wantErr: ErrPasswordMissingSpecial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ps.Validate(tt.password)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPasswordService_LenientPolicy(t *testing.T) {
	ps := NewPasswordService().WithPolicy(PasswordPolicy{MinLength: 4})
	assert.NoError(t, ps.Validate("abcd"))
	assert.ErrorIs(t, ps.Validate("abc"), ErrPasswordTooShort)
}

func TestPasswordService_HashAndVerify(t *testing.T) {
	ps := fastPasswordService()

	hash, err := ps.Hash("StrongPass123!")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$t=1,m=1024,p=1$")

	ok, err := ps.Verify("StrongPass123!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ps.Verify("WrongPass123!", hash)
	assert.ErrorIs(t, err, ErrPasswordMismatch)
	assert.False(t, ok)
}

func TestPasswordService_HashRejectsWeakPassword(t *testing.T) {
	_, err := fastPasswordService().Hash("weak")
	assert.ErrorIs(t, err, ErrPasswordTooShort)
}

func TestPasswordService_HashesAreSalted(t *testing.T) {
	ps := fastPasswordService()
	a, err := ps.Hash("StrongPass123!")
	require.NoError(t, err)
	b, err := ps.Hash("StrongPass123!")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordService_VerifyLegacyBcrypt(t *testing.T) {
	ps := fastPasswordService()
	legacy, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, ps.NeedsRehash(string(legacy)))

	ok, err := ps.Verify("password123", string(legacy))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ps.Verify("password124", string(legacy))
	assert.ErrorIs(t, err, ErrPasswordMismatch)
	assert.False(t, ok)
}

func TestPasswordService_VerifyInvalidHash(t *testing.T) {
	ps := fastPasswordService()

	tests := []string{
		"",
		"plaintext",
		"$argon2id$v=18$t=1,m=1024,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$t=x,m=1024,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$t=1,m=1024,p=1$c2FsdA",
	}
	for _, h := range tests {
		ok, err := ps.Verify("StrongPass123!", h)
		assert.False(t, ok, h)
		assert.ErrorIs(t, err, ErrInvalidHashFormat, h)
	}
}
