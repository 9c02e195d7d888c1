package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SidA7MD/iset-sub000/monitor"
	"github.com/SidA7MD/iset-sub000/monitor/store"
	"github.com/SidA7MD/iset-sub000/monitor/token"
)

// memoryAccounts is an in-memory AccountFinder.
type memoryAccounts map[string]*monitor.Account

func (m memoryAccounts) AccountByIdentity(ctx context.Context, identity string) (*monitor.Account, error) {
	account, ok := m[identity]
	if !ok {
		return nil, store.ErrNotFound
	}
	return account, nil
}

func authCode(t *testing.T, err error) string {
	t.Helper()
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr), "expected an authentication error, got %v", err)
	return authErr.Code
}

func TestAuthenticator_Codes(t *testing.T) {
	tokens := token.MustNewService(&token.Builder{Secret: "unit-test-secret"})
	accounts := memoryAccounts{
		"user@example.com": {Identity: "user@example.com", Role: monitor.RoleUser, Active: true, DeviceIDs: []string{"DEV1"}},
		"gone@example.com": {Identity: "gone@example.com", Role: monitor.RoleUser, Active: false},
	}
	authenticator := NewAuthenticator(tokens, accounts)
	ctx := context.Background()

	_, err := authenticator.Authenticate(ctx, "")
	assert.Equal(t, CodeTokenMissing, authCode(t, err))

	_, err = authenticator.Authenticate(ctx, "not a token")
	assert.Equal(t, CodeTokenInvalid, authCode(t, err))

	// a token signed with a different secret is invalid, not expired
	otherTokens := token.MustNewService(&token.Builder{Secret: "other-secret"})
	forged, err := otherTokens.Issue("user@example.com", monitor.RoleUser)
	require.NoError(t, err)
	_, err = authenticator.Authenticate(ctx, forged)
	assert.Equal(t, CodeTokenInvalid, authCode(t, err))

	expiredTokens := token.MustNewService(&token.Builder{Secret: "unit-test-secret", Lifetime: -time.Minute})
	expired, err := expiredTokens.Issue("user@example.com", monitor.RoleUser)
	require.NoError(t, err)
	_, err = authenticator.Authenticate(ctx, expired)
	assert.Equal(t, CodeTokenExpired, authCode(t, err))

	unknown, err := tokens.Issue("stranger@example.com", monitor.RoleUser)
	require.NoError(t, err)
	_, err = authenticator.Authenticate(ctx, unknown)
	assert.Equal(t, CodeAccountUnknown, authCode(t, err))

	inactive, err := tokens.Issue("gone@example.com", monitor.RoleUser)
	require.NoError(t, err)
	_, err = authenticator.Authenticate(ctx, inactive)
	assert.Equal(t, CodeAccountInactive, authCode(t, err))
}

func TestAuthenticator_Success(t *testing.T) {
	tokens := token.MustNewService(&token.Builder{Secret: "unit-test-secret"})
	accounts := memoryAccounts{
		"user@example.com": {Identity: "user@example.com", Role: monitor.RoleUser, Active: true, DeviceIDs: []string{"DEV1", "DEV2"}},
	}
	authenticator := NewAuthenticator(tokens, accounts)

	credential, err := tokens.Issue("user@example.com", monitor.RoleUser)
	require.NoError(t, err)

	account, err := authenticator.Authenticate(context.Background(), credential)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", account.Identity)
	assert.Equal(t, []string{"DEV1", "DEV2"}, account.DeviceIDs)
}
