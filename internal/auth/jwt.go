package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog/log"
)

const principalKey = "auth.principal"

// Principal is the caller identified by a verified bearer token.
type Principal struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// JWTVerifier checks bearer tokens against a JWKS endpoint. Keys are held in
// a jwk.Cache that refreshes itself in the background, so verification does
// no network I/O on the request path.
type JWTVerifier struct {
	jwksURL    string
	keys       jwk.Set
	refreshTTL time.Duration
}

// NewJWTVerifier registers jwksURL with a refreshing cache and fetches the
// key set once. The background refresh stops when ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	v.keys = jwk.NewCachedSet(cache, jwksURL)
	return v, nil
}

// PrincipalFromRequest validates the Authorization header of r.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.keys),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	p := &Principal{Subject: token.Subject()}
	if email, ok := token.Get("email"); ok {
		p.Email, _ = email.(string)
	}
	if name, ok := token.Get("name"); ok {
		p.Name, _ = name.(string)
	}
	return p, nil
}

// Middleware rejects requests without a valid bearer token.
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.PrincipalFromRequest(c.Request)
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
