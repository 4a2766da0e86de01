package auth

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// cacheCredential lets the Graph SDK share the TokenCache token.
type cacheCredential struct {
	cache *TokenCache
}

// Credential adapts the cache to azcore.TokenCredential. Requested scopes are
// ignored; the cache only ever holds the Graph application scope.
func (c *TokenCache) Credential() azcore.TokenCredential {
	return &cacheCredential{cache: c}
}

func (c *cacheCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, expires, err := c.cache.Current(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok, ExpiresOn: expires}, nil
}
