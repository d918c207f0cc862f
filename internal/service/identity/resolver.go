// Package identity resolves which owner a request acts on behalf of.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrUnauthorized is returned by Authenticate when no verified owner exists.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Source 表示 owner 的来源。
type Source string

const (
	SourceBearer  Source = "bearer"
	SourceDefault Source = "default"
	SourceNone    Source = "none"
)

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)$`)

// ExtractBearer returns the token of an Authorization header, or "".
func ExtractBearer(header string) string {
	m := bearerPattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Exchanger verifies a token with the auth provider.
type Exchanger interface {
	ExchangeToken(ctx context.Context, token string) (string, error)
}

// Identity is the resolved owner for one request.
type Identity struct {
	OwnerID string
	Source  Source
}

// Present reports whether an owner is known.
func (i Identity) Present() bool {
	return i.OwnerID != ""
}

// Resolver exchanges bearer tokens and caches successful results per token.
type Resolver struct {
	exchanger    Exchanger
	defaultOwner string
	cache        *cache.Cache
	logger       *slog.Logger
}

// NewResolver creates a resolver. exchanger may be nil when auth is not configured.
func NewResolver(exchanger Exchanger, defaultOwner string, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		exchanger:    exchanger,
		defaultOwner: strings.TrimSpace(defaultOwner),
		cache:        cache.New(ttl, 2*ttl),
		logger:       logger.With("component", "identity"),
	}
}

// Resolve never fails: a bad or missing token falls back to the default owner, and
// without one the identity is absent.
func (r *Resolver) Resolve(ctx context.Context, authorization string) Identity {
	if owner, err := r.verify(ctx, authorization, true); err == nil {
		return Identity{OwnerID: owner, Source: SourceBearer}
	} else if !errors.Is(err, errNoToken) {
		r.logger.Debug("bearer exchange failed, using default owner", "error", err)
	}
	if r.defaultOwner != "" {
		return Identity{OwnerID: r.defaultOwner, Source: SourceDefault}
	}
	return Identity{Source: SourceNone}
}

// Authenticate requires a verified bearer token. It always asks the auth provider, so a
// revoked token loses owner routes at once; only Resolve reads the cache.
func (r *Resolver) Authenticate(ctx context.Context, authorization string) (string, error) {
	owner, err := r.verify(ctx, authorization, false)
	if err != nil {
		return "", ErrUnauthorized
	}
	return owner, nil
}

var errNoToken = errors.New("identity: no bearer token")

func (r *Resolver) verify(ctx context.Context, authorization string, cached bool) (string, error) {
	token := ExtractBearer(authorization)
	if token == "" {
		return "", errNoToken
	}
	if r.exchanger == nil {
		return "", errors.New("identity: auth provider not configured")
	}

	key := tokenKey(token)
	if cached {
		if v, ok := r.cache.Get(key); ok {
			return v.(string), nil
		}
	}

	owner, err := r.exchanger.ExchangeToken(ctx, token)
	if err == nil && owner == "" {
		err = errors.New("identity: empty owner id")
	}
	if err != nil {
		// 失效的 token 不再留在缓存里
		r.cache.Delete(key)
		return "", err
	}
	r.cache.Set(key, owner, cache.DefaultExpiration)
	return owner, nil
}

// tokenKey avoids keeping raw tokens in memory as map keys.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
