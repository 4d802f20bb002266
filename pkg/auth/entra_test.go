package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCredential struct {
	calls  atomic.Int32
	ttl    time.Duration
	err    error
	gate   chan struct{}
	scopes []string
}

func (c *countingCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	n := c.calls.Add(1)
	c.scopes = opts.Scopes
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	return azcore.AccessToken{
		Token:     "token-" + string(rune('0'+n)),
		ExpiresOn: time.Now().Add(c.ttl),
	}, nil
}

func TestTokenCacheReusesValidToken(t *testing.T) {
	cred := &countingCredential{ttl: time.Hour}
	cache := NewTokenCache(cred, 0)

	first, err := cache.Token(context.Background(), MongoScope)
	require.NoError(t, err)
	second, err := cache.Token(context.Background(), MongoScope)
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int32(1), cred.calls.Load())
	assert.Equal(t, []string{MongoScope}, cred.scopes)
}

func TestTokenCacheRefreshesNearExpiry(t *testing.T) {
	cred := &countingCredential{ttl: 2 * time.Minute}
	cache := NewTokenCache(cred, 5*time.Minute)

	first, err := cache.Token(context.Background(), MongoScope)
	require.NoError(t, err)
	second, err := cache.Token(context.Background(), MongoScope)
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, int32(2), cred.calls.Load())
}

func TestTokenCacheSharesConcurrentRefresh(t *testing.T) {
	cred := &countingCredential{ttl: time.Hour, gate: make(chan struct{})}
	cache := NewTokenCache(cred, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Token(context.Background(), MongoScope)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return cred.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(cred.gate)
	wg.Wait()

	_, err := cache.Token(context.Background(), MongoScope)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cred.calls.Load())
}

func TestTokenCacheError(t *testing.T) {
	cache := NewTokenCache(&countingCredential{err: errors.New("no identity")}, 0)
	_, err := cache.Token(context.Background(), MongoScope)
	assert.ErrorContains(t, err, "no identity")
}

func TestMongoOIDCCredential(t *testing.T) {
	cache := NewTokenCache(&countingCredential{ttl: time.Hour}, 0)
	cred := MongoOIDCCredential(cache)
	assert.Equal(t, "MONGODB-OIDC", cred.AuthMechanism)

	got, err := cred.OIDCMachineCallback(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.AccessToken)
	require.NotNil(t, got.ExpiresAt)
}
