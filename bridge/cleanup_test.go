package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/dpup/wxauth/errors"
	"github.com/dpup/wxauth/store"
	"github.com/dpup/wxauth/store/memstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupAll(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()

	// One used state, one spent code, one live token.
	tok := f.issueToken(t)
	// An abandoned state and an unredeemed code.
	_, err := f.svc.Begin(ctx, "", "")
	require.NoError(t, err)
	_, err = f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)

	res, err := f.svc.CleanupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CodesRemoved, "only the spent code goes")
	assert.Zero(t, res.TokensRemoved)

	f.clock.Advance(DefaultRefreshTokenTTL + store.UserTokenRetention + time.Hour)
	res, err = f.svc.CleanupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.StatesRemoved)
	assert.Equal(t, int64(1), res.CodesRemoved)
	assert.Equal(t, int64(1), res.TokensRemoved)
	assert.Equal(t, int64(1), res.UserTokensRemoved)

	_, err = f.store.GetAccessToken(ctx, tok.AccessToken)
	assert.ErrorIs(t, err, store.ErrNotFound)

	res, err = f.svc.CleanupAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{}, res, "cleanup is idempotent")

	assert.Equal(t, 2.0, testutil.ToFloat64(f.svc.Metrics().CleanupRemoved.WithLabelValues("codes")))
}

type failingStates struct {
	store.StateStore
}

func (failingStates) CleanupStates(context.Context) (int64, error) {
	return 0, errors.New("states unavailable")
}

// Reports whether its context was cancelled while it was running.
type slowGrants struct {
	*memstore.Store
}

func (s slowGrants) CleanupAuthCodes(ctx context.Context) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return s.Store.CleanupAuthCodes(ctx)
}

func TestCleanupAllPassesAreIndependent(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx := context.Background()
	c, err := f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)
	f.clock.Advance(DefaultCodeTTL + time.Second)

	svc, err := NewBuilder().
		WithStore(slowGrants{f.store}).
		WithStateStore(failingStates{f.store}).
		WithAccounts(f.svc.accounts).
		WithClock(f.clock.Now).
		WithCallbackURL(testCallback).
		Build()
	require.NoError(t, err)

	res, err := svc.CleanupAll(ctx)
	assert.ErrorContains(t, err, "states unavailable")
	assert.Equal(t, int64(1), res.CodesRemoved, "the code pass isn't cancelled")
	_, err = f.store.GetAuthCode(ctx, c.Code)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJanitor(t *testing.T) {
	f := newFixture(t, store.ScopeBase)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := f.svc.MintLocalCode(ctx, f.login(t), testRedirect, "", "")
	require.NoError(t, err)
	f.clock.Advance(DefaultCodeTTL + time.Second)

	done := make(chan error, 1)
	go func() { done <- NewJanitor(f.svc, 0).Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := f.store.GetAuthCode(context.Background(), c.Code)
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("janitor didn't stop")
	}
}
