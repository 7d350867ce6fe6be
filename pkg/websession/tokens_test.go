package websession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/security"
)

const (
	providerLocal = "local"
	providerLDAP  = "ldap"
)

func noAnonymous(c *platform.Config) {
	c.Auth.AllowAnonymous = false
}

func TestAddAuthTokens_FirstLogin(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()

	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-1")))

	require.NotNil(t, sess.User())
	assert.Equal(t, testUserID, sess.UserID())
	assert.Equal(t, "h-1", sess.authSessionHandle())
	require.Len(t, sess.AuthTokens(), 1)
	assert.False(t, sess.AuthTokens()[0].LoginTime.IsZero())
}

func TestAddAuthTokens_AnonymousSessionAdoptsIdentity(t *testing.T) {
	env := newTestEnv()
	sess := env.newSession(testSessionID)
	require.True(t, sess.User().Anonymous)

	require.NoError(t, sess.AddAuthTokens(context.Background(), userToken(providerLocal, testUserID, "h-1")))

	assert.Equal(t, testUserID, sess.UserID())
	assert.False(t, sess.User().Anonymous)
}

func TestAddAuthTokens_Validation(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	ctx := context.Background()

	t.Run("token without user", func(t *testing.T) {
		sess := env.newSession("s-no-user")
		err := sess.AddAuthTokens(ctx, &AuthToken{Provider: providerLocal})
		assert.ErrorIs(t, err, ErrIdentityConflict)
		assert.Empty(t, sess.AuthTokens())
	})

	t.Run("tokens for different users", func(t *testing.T) {
		sess := env.newSession("s-two-users")
		err := sess.AddAuthTokens(ctx,
			userToken(providerLocal, "alice", "h-1"),
			userToken(providerLDAP, "bob", "h-2"),
		)
		assert.ErrorIs(t, err, ErrIdentityConflict)
		assert.Empty(t, sess.AuthTokens())
	})

	t.Run("conflict with bound user leaves state unchanged", func(t *testing.T) {
		sess := env.newSession("s-conflict")
		require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, "alice", "h-1")))

		err := sess.AddAuthTokens(ctx, userToken(providerLDAP, "bob", "h-2"))
		assert.ErrorIs(t, err, ErrIdentityConflict)

		assert.Equal(t, "alice", sess.UserID())
		require.Len(t, sess.AuthTokens(), 1)
		assert.Equal(t, providerLocal, sess.AuthTokens()[0].Provider)
		assert.Empty(t, env.sec.closed())
	})
}

func TestAddAuthTokens_SecondProviderSameUser(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()

	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-1")))
	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLDAP, testUserID, "h-2")))

	tokens := sess.AuthTokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, providerLocal, tokens[0].Provider)
	assert.Equal(t, providerLDAP, tokens[1].Provider)

	// The first token's identity is the session principal.
	require.NotNil(t, sess.Principal())
	assert.Equal(t, testUserID, sess.Principal().UserID)
}

func TestAddAuthTokens_ReplacesSameProvider(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()

	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-old")))
	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-new")))

	tokens := sess.AuthTokens()
	require.Len(t, tokens, 1)
	assert.Equal(t, "h-new", tokens[0].SessionHandle)

	// The replaced token's backend session is closed.
	assert.Equal(t, []string{"h-old"}, env.sec.closed())
}

func TestAuthToken_Lookup(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx,
		userToken(providerLocal, testUserID, "h-1"),
		userToken(providerLDAP, testUserID, "h-2"),
	))

	assert.Equal(t, providerLocal, sess.AuthToken("").Provider)
	assert.Equal(t, "h-2", sess.AuthToken(providerLDAP).SessionHandle)
	assert.Nil(t, sess.AuthToken("oauth"))
}

func TestRemoveAuthInfo_SingleProvider(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx,
		userToken(providerLocal, testUserID, "h-1"),
		userToken(providerLDAP, testUserID, "h-2"),
	))

	require.NoError(t, sess.RemoveAuthInfo(ctx, providerLDAP))

	// User identity survives while other tokens remain.
	assert.Equal(t, testUserID, sess.UserID())
	require.Len(t, sess.AuthTokens(), 1)
	assert.Equal(t, []string{"h-2"}, env.sec.closed())
}

func TestRemoveAuthInfo_LastTokenResetsIdentity(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-1")))

	require.NoError(t, sess.RemoveAuthInfo(ctx, providerLocal))

	assert.Nil(t, sess.User())
	assert.False(t, sess.IsAuthorized())
	assert.Empty(t, sess.AuthTokens())
	assert.Empty(t, sess.Permissions())
}

func TestRemoveAuthInfo_AllProviders(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx,
		userToken(providerLocal, testUserID, "h-1"),
		userToken(providerLDAP, testUserID, "h-2"),
	))

	require.NoError(t, sess.RemoveAuthInfo(ctx, ""))

	assert.Empty(t, sess.AuthTokens())
	assert.Nil(t, sess.User())
	assert.ElementsMatch(t, []string{"h-1", "h-2"}, env.sec.closed())
}

func TestRemoveAuthInfo_ReauthenticatesAnonymous(t *testing.T) {
	env := newTestEnv()
	sess := env.newSession(testSessionID)
	require.NoError(t, sess.AddAuthTokens(context.Background(), userToken(providerLocal, testUserID, "h-1")))
	require.Equal(t, testUserID, sess.UserID())

	require.NoError(t, sess.RemoveAuthInfo(context.Background(), providerLocal))

	// Logout falls back to a fresh anonymous identity.
	require.NotNil(t, sess.User())
	assert.True(t, sess.User().Anonymous)
	assert.True(t, sess.IsAuthorized())
	assert.Empty(t, sess.UserID())
}

func TestRemoveAuthInfo_UnknownProviderIsNoOp(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-1")))

	require.NoError(t, sess.RemoveAuthInfo(ctx, "oauth"))

	assert.Equal(t, testUserID, sess.UserID())
	require.Len(t, sess.AuthTokens(), 1)
	assert.Empty(t, env.sec.closed())
}

func TestRemoveAuthInfo_BackendCloseFailureDoesNotBlockLogout(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	ctx := context.Background()
	require.NoError(t, sess.AddAuthTokens(ctx, userToken(providerLocal, testUserID, "h-1")))

	env.sec.closeErr = assert.AnError
	require.NoError(t, sess.RemoveAuthInfo(ctx, providerLocal))
	assert.Empty(t, sess.AuthTokens())
}

func TestPrincipal_NilWithoutTokens(t *testing.T) {
	env := newTestEnv(withConfig(noAnonymous))
	sess := env.newSession(testSessionID)
	assert.Nil(t, sess.Principal())
	assert.Nil(t, sess.AuthToken(""))
}

func TestSameUser(t *testing.T) {
	alice := &security.Principal{UserID: "alice"}
	assert.True(t, alice.SameUser(&security.Principal{UserID: "alice"}))
	assert.False(t, alice.SameUser(&security.Principal{UserID: "bob"}))
	assert.False(t, alice.SameUser(nil))

	// Two anonymous principals are never the same user.
	anon := &security.Principal{Anonymous: true}
	assert.False(t, anon.SameUser(&security.Principal{Anonymous: true}))
}
