package mfa

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hrportal/hrportal/internal/common/testutil"
)

const testKey = "0123456789abcdef0123456789abcdef"

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	enc, err := NewAESGCMEncrypter(testKey)
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := NewService(client, enc, zaptest.NewLogger(t)).WithClock(clock.now)
	return svc, clock
}

func TestEnrollConfirmVerify(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	enrollment, err := svc.Enroll(ctx, "u-1", "jane@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.True(t, strings.HasPrefix(enrollment.URL, "otpauth://totp/"))
	assert.Contains(t, enrollment.URL, "HR%20Portal")
	assert.Equal(t, clock.t.Add(10*time.Minute), enrollment.ExpiresAt)

	enabled, err := svc.Enabled(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, enabled, "pending secret is not active")

	err = svc.Verify(ctx, "u-1", "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	code, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, "u-1", code))

	enabled, err = svc.Enabled(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, enabled)

	// same code twice is a replay
	assert.ErrorIs(t, svc.Verify(ctx, "u-1", code), ErrInvalidCode)

	clock.t = clock.t.Add(90 * time.Second)
	next, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	assert.NoError(t, svc.Verify(ctx, "u-1", next))
}

func TestEnroll_AlreadyEnabled(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	enrollment, err := svc.Enroll(ctx, "u-1", "")
	require.NoError(t, err)
	code, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, "u-1", code))

	_, err = svc.Enroll(ctx, "u-1", "")
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestConfirm_WrongCodeKeepsPending(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	enrollment, err := svc.Enroll(ctx, "u-1", "")
	require.NoError(t, err)

	good, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	bad := "000000"
	if good == bad {
		bad = "111111"
	}

	assert.ErrorIs(t, svc.Confirm(ctx, "u-1", bad), ErrInvalidCode)
	assert.ErrorIs(t, svc.Confirm(ctx, "u-1", "not-a-code"), ErrInvalidCode)
	assert.NoError(t, svc.Confirm(ctx, "u-1", good))
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	enrollment, err := svc.Enroll(ctx, "u-1", "")
	require.NoError(t, err)
	code, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, "u-1", code))

	clock.t = clock.t.Add(time.Minute)
	code, err = svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	require.NoError(t, svc.Disable(ctx, "u-1", code))

	enabled, err := svc.Enabled(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestVerify_TooManyAttempts(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	svc.WithConfig(Config{MaxAttempts: 2})

	enrollment, err := svc.Enroll(ctx, "u-1", "")
	require.NoError(t, err)
	code, err := svc.GenerateCode(enrollment.Secret, clock.t)
	require.NoError(t, err)
	require.NoError(t, svc.Confirm(ctx, "u-1", code))

	assert.ErrorIs(t, svc.Verify(ctx, "u-1", "x"), ErrInvalidCode)
	assert.ErrorIs(t, svc.Verify(ctx, "u-1", "x"), ErrTooManyAttempts)
}

func TestSecretIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	client, mini := testutil.NewRedis(t)
	enc, err := NewAESGCMEncrypter(testKey)
	require.NoError(t, err)
	svc := NewService(client, enc, nil)

	enrollment, err := svc.Enroll(ctx, "u-1", "")
	require.NoError(t, err)

	stored, err := mini.Get("hr:mfa:pending:u-1")
	require.NoError(t, err)
	assert.NotEqual(t, enrollment.Secret, stored)

	plain, err := enc.Decrypt(stored)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, plain)
}

func TestAESGCMEncrypter(t *testing.T) {
	_, err := NewAESGCMEncrypter("short")
	assert.Error(t, err)

	enc, err := NewAESGCMEncrypter(testKey)
	require.NoError(t, err)

	a, err := enc.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	b, err := enc.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonce must differ per call")

	_, err = enc.Decrypt("!!")
	assert.Error(t, err)
	_, err = enc.Decrypt("YQ==")
	assert.Error(t, err)
}
