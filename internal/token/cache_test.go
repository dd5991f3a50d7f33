package token

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
)

type fakeMinter struct {
	calls     int32
	token     string
	expiresIn time.Duration
	err       error
}

func (f *fakeMinter) Mint(ctx context.Context, kind Kind, scopes []string) (string, time.Duration, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", 0, f.err
	}
	return f.token, f.expiresIn, nil
}

func newTestCache(minter Minter) *Cache {
	return New(store.NewMemoryStore(), store.Keys{Prefix: "taskbridge"}, minter, []string{"Tasks.ReadWrite", "Chat.Read"})
}

func TestAcquireMintsOnFirstCall(t *testing.T) {
	minter := &fakeMinter{token: "tok-1", expiresIn: time.Hour}
	c := newTestCache(minter)

	tok, expiry, err := c.Acquire(context.Background(), KindApplication, []string{"Tasks.ReadWrite"})

	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.True(t, expiry.After(time.Now()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&minter.calls))
}

func TestAcquireReusesInProcessCache(t *testing.T) {
	minter := &fakeMinter{token: "tok-1", expiresIn: time.Hour}
	c := newTestCache(minter)
	ctx := context.Background()

	_, _, err := c.Acquire(ctx, KindApplication, []string{"Tasks.ReadWrite"})
	require.NoError(t, err)
	_, _, err = c.Acquire(ctx, KindApplication, []string{"Tasks.ReadWrite"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&minter.calls), "second acquire should hit the cache, not re-mint")
}

func TestAcquireReusesDurableCacheAcrossInstances(t *testing.T) {
	minter := &fakeMinter{token: "tok-1", expiresIn: time.Hour}
	s := store.NewMemoryStore()
	keys := store.Keys{Prefix: "taskbridge"}

	c1 := New(s, keys, minter, []string{"Tasks.ReadWrite"})
	_, _, err := c1.Acquire(context.Background(), KindApplication, []string{"Tasks.ReadWrite"})
	require.NoError(t, err)

	c2 := New(s, keys, minter, []string{"Tasks.ReadWrite"})
	tok, _, err := c2.Acquire(context.Background(), KindApplication, []string{"Tasks.ReadWrite"})

	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&minter.calls), "a fresh Cache sharing the store should hit the durable layer, not re-mint")
}

func TestAcquireDelegatedSubsetReturnsSupersetToken(t *testing.T) {
	minter := &fakeMinter{token: "superset-tok", expiresIn: time.Hour}
	c := newTestCache(minter)
	ctx := context.Background()

	_, _, err := c.Acquire(ctx, KindDelegated, []string{"Tasks.ReadWrite", "Chat.Read"})
	require.NoError(t, err)

	tok, _, err := c.Acquire(ctx, KindDelegated, []string{"Tasks.ReadWrite"})
	require.NoError(t, err)
	assert.Equal(t, "superset-tok", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&minter.calls), "a delegated subset miss should reuse the superset token, not mint again")
}

func TestMintFatalFailureClassifiesAsConsentRequired(t *testing.T) {
	minter := &fakeMinter{err: &MintError{Kind: FailureConsentRequired, Err: errors.New("consent required")}}
	c := newTestCache(minter)

	_, _, err := c.Acquire(context.Background(), KindApplication, []string{"Tasks.ReadWrite"})

	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ConsentRequired))
	assert.EqualValues(t, 1, atomic.LoadInt32(&minter.calls), "fatal failures should not retry")
}

func TestMintBadCredentialsIsAlsoFatal(t *testing.T) {
	minter := &fakeMinter{err: &MintError{Kind: FailureBadCredentials, Err: errors.New("bad secret")}}
	c := newTestCache(minter)

	_, _, err := c.Acquire(context.Background(), KindApplication, []string{"Tasks.ReadWrite"})

	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.BadCredentials))
}
