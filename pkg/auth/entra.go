// Package auth acquires Azure Entra ID tokens for the MongoDB and Cosmos DB sinks.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/singleflight"
)

const (
	// MongoScope is the token audience for Cosmos DB for MongoDB vCore.
	MongoScope = "https://ossrdbms-aad.database.windows.net/.default"

	defaultRefreshBeforeExpiry = 5 * time.Minute
)

// NewCredential returns the default Azure credential chain
// (environment, workload identity, managed identity, Azure CLI).
func NewCredential() (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	return cred, nil
}

// TokenCache caches one access token per scope set and refreshes it shortly
// before it expires. Concurrent callers share a single refresh.
type TokenCache struct {
	credential          azcore.TokenCredential
	refreshBeforeExpiry time.Duration
	now                 func() time.Time

	mu     sync.RWMutex
	tokens map[string]azcore.AccessToken
	group  singleflight.Group
}

// NewTokenCache wraps credential. refreshBeforeExpiry defaults to five minutes.
func NewTokenCache(credential azcore.TokenCredential, refreshBeforeExpiry time.Duration) *TokenCache {
	if refreshBeforeExpiry <= 0 {
		refreshBeforeExpiry = defaultRefreshBeforeExpiry
	}
	return &TokenCache{
		credential:          credential,
		refreshBeforeExpiry: refreshBeforeExpiry,
		now:                 time.Now,
		tokens:              make(map[string]azcore.AccessToken),
	}
}

// Token returns a cached token for scopes or fetches a new one.
func (c *TokenCache) Token(ctx context.Context, scopes ...string) (azcore.AccessToken, error) {
	key := strings.Join(scopes, " ")

	c.mu.RLock()
	tok, ok := c.tokens[key]
	c.mu.RUnlock()
	if ok && c.now().Add(c.refreshBeforeExpiry).Before(tok.ExpiresOn) {
		return tok, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fresh, err := c.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
		if err != nil {
			return azcore.AccessToken{}, err
		}
		c.mu.Lock()
		c.tokens[key] = fresh
		c.mu.Unlock()
		log.Debug().Str("scopes", key).Time("expires_on", fresh.ExpiresOn).Msg("Acquired Entra token")
		return fresh, nil
	})
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("failed to get token from Azure: %w", err)
	}
	return v.(azcore.AccessToken), nil
}

// MongoOIDCCredential authenticates a MongoDB client with MONGODB-OIDC
// using tokens from cache.
func MongoOIDCCredential(cache *TokenCache) options.Credential {
	return options.Credential{
		AuthMechanism: "MONGODB-OIDC",
		OIDCMachineCallback: func(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
			tok, err := cache.Token(ctx, MongoScope)
			if err != nil {
				return nil, err
			}
			expires := tok.ExpiresOn
			return &options.OIDCCredential{AccessToken: tok.Token, ExpiresAt: &expires}, nil
		},
	}
}
