package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/security"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
	testDS       = "ds-orders"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)
	return New(platform.SecurityConfig{
		SigningKey: "test-signing-key",
		TokenTTL:   time.Hour,
		Users: []platform.UserDef{
			{ID: testUser, PasswordHash: hash, Permissions: []string{"datasource:view"}},
		},
		Grants: []platform.GrantDef{
			{Subject: testUser, ObjectType: "datasource", ObjectID: testDS},
		},
	})
}

func TestAuthenticate(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		info, err := c.Authenticate(ctx, testUser, testPassword)
		require.NoError(t, err)
		assert.Equal(t, ProviderLocal, info.Provider)
		assert.Equal(t, testUser, info.Principal.UserID)
		assert.False(t, info.Principal.Anonymous)
		assert.NotEmpty(t, info.SessionHandle)
		assert.Equal(t, []string{"datasource:view"}, info.Permissions)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := c.Authenticate(ctx, testUser, "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := c.Authenticate(ctx, "nobody", testPassword)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestAuthenticateAnonymousUser(t *testing.T) {
	c := newTestController(t)

	info, err := c.AuthenticateAnonymousUser(context.Background(), "sess-1", nil, security.SessionTypeWeb)
	require.NoError(t, err)
	assert.True(t, info.Principal.Anonymous)
	assert.Empty(t, info.Principal.UserID)
	assert.Empty(t, info.Permissions)

	perms, err := c.GetSubjectPermissions(context.Background(), info.SessionHandle)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestGetSubjectPermissions(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	info, err := c.Authenticate(ctx, testUser, testPassword)
	require.NoError(t, err)

	perms, err := c.GetSubjectPermissions(ctx, info.SessionHandle)
	require.NoError(t, err)
	assert.Equal(t, []string{"datasource:view"}, perms)

	_, err = c.GetSubjectPermissions(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestGetAllAvailableObjectsPermissions(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	info, err := c.Authenticate(ctx, testUser, testPassword)
	require.NoError(t, err)

	t.Run("subject grants", func(t *testing.T) {
		grants, err := c.GetAllAvailableObjectsPermissions(ctx, info.SessionHandle, security.ObjectTypeDataSource)
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.Equal(t, testDS, grants[0].ObjectID)
	})

	t.Run("type filter", func(t *testing.T) {
		grants, err := c.GetAllAvailableObjectsPermissions(ctx, info.SessionHandle, security.ObjectTypeProject)
		require.NoError(t, err)
		assert.Empty(t, grants)
	})

	t.Run("wildcard subject", func(t *testing.T) {
		c.Grant("*", security.ObjectTypeDataSource, "ds-public")
		grants, err := c.GetAllAvailableObjectsPermissions(ctx, info.SessionHandle, security.ObjectTypeDataSource)
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	})

	t.Run("revoked grant disappears", func(t *testing.T) {
		c.Revoke("*", security.ObjectTypeDataSource, "ds-public")
		grants, err := c.GetAllAvailableObjectsPermissions(ctx, info.SessionHandle, security.ObjectTypeDataSource)
		require.NoError(t, err)
		assert.Len(t, grants, 1)
	})
}

func TestCloseAuthSession(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	info, err := c.Authenticate(ctx, testUser, testPassword)
	require.NoError(t, err)
	require.NoError(t, c.CloseAuthSession(ctx, info.SessionHandle))

	// Revoked handles fail every subsequent check.
	_, err = c.GetSubjectPermissions(ctx, info.SessionHandle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, c.UpdateSession(ctx, info.SessionHandle, nil), ErrInvalidHandle)

	// Other handles for the same user are unaffected.
	other, err := c.Authenticate(ctx, testUser, testPassword)
	require.NoError(t, err)
	_, err = c.GetSubjectPermissions(ctx, other.SessionHandle)
	assert.NoError(t, err)
}

func TestExpiredHandle(t *testing.T) {
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)
	c := New(platform.SecurityConfig{
		SigningKey: "test-signing-key",
		TokenTTL:   -time.Minute,
		Users:      []platform.UserDef{{ID: testUser, PasswordHash: hash}},
	})

	info, err := c.Authenticate(context.Background(), testUser, testPassword)
	require.NoError(t, err)

	_, err = c.GetSubjectPermissions(context.Background(), info.SessionHandle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestHandleSignatureVerification(t *testing.T) {
	a := newTestController(t)
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)
	b := New(platform.SecurityConfig{
		SigningKey: "different-key",
		TokenTTL:   time.Hour,
		Users:      []platform.UserDef{{ID: testUser, PasswordHash: hash}},
	})

	info, err := a.Authenticate(context.Background(), testUser, testPassword)
	require.NoError(t, err)

	// A handle signed with another key is rejected.
	_, err = b.GetSubjectPermissions(context.Background(), info.SessionHandle)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}
