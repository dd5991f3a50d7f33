// Package token implements the Token Cache: layered OAuth2 credential
// caching for the two credential kinds the sync engine needs against the
// tenant token endpoint (spec.md §4.1).
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antigravity-dev/taskbridge/internal/store"
	"github.com/antigravity-dev/taskbridge/internal/syncerr"
)

// Kind distinguishes the two credential grants spec.md §4.1 describes.
type Kind string

const (
	// KindDelegated is the password-grant credential, minted once against a
	// superset scope set and reused for any subset.
	KindDelegated Kind = "delegated"
	// KindApplication is the client-credentials grant for service-only
	// resources.
	KindApplication Kind = "application"
)

const cacheSafetyWindow = 5 * time.Minute

// Minter performs the actual network grant against the tenant token
// endpoint. Production wiring supplies an adapter over the real OAuth2
// endpoint; tests supply a fake.
type Minter interface {
	Mint(ctx context.Context, kind Kind, scopes []string) (accessToken string, expiresIn time.Duration, err error)
}

// cachedToken is the durable-store shape persisted under
// tokens:{kind}:{scope_hash}.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scopes      []string  `json:"scopes"`
}

func (c cachedToken) validFor(now time.Time) bool {
	return now.Add(cacheSafetyWindow).Before(c.ExpiresAt)
}

// Cache is the Token Cache component: an in-process map layered over a
// durable store-backed cache, per spec.md §4.1.
type Cache struct {
	store  store.Store
	keys   store.Keys
	minter Minter
	now    func() time.Time

	mu             sync.Mutex
	inproc         map[string]cachedToken
	supersetScopes []string
}

// New builds a Cache. supersetScopes is the scope set minted for every
// delegated token request (spec.md: "issued once against a superset scope
// set covering all delegated capabilities the service needs").
func New(s store.Store, keys store.Keys, minter Minter, supersetScopes []string) *Cache {
	return &Cache{
		store:          s,
		keys:           keys,
		minter:         minter,
		now:            time.Now,
		inproc:         make(map[string]cachedToken),
		supersetScopes: supersetScopes,
	}
}

func scopeHash(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// Acquire returns a cached access token for (kind, scopes) if one is valid
// for at least the safety window, or mints a fresh one otherwise. For
// delegated tokens, a subset-scope miss is satisfied from the superset token
// without a fresh grant (spec.md §4.1).
func (c *Cache) Acquire(ctx context.Context, kind Kind, scopes []string) (string, time.Time, error) {
	mintScopes := scopes
	if kind == KindDelegated {
		mintScopes = c.supersetScopes
	}
	hash := scopeHash(mintScopes)

	if tok, ok := c.lookupInProcess(kind, hash); ok {
		return tok.AccessToken, tok.ExpiresAt, nil
	}
	if tok, ok, err := c.lookupDurable(ctx, kind, hash); err != nil {
		return "", time.Time{}, err
	} else if ok {
		c.storeInProcess(kind, hash, tok)
		return tok.AccessToken, tok.ExpiresAt, nil
	}

	return c.mint(ctx, kind, hash, mintScopes)
}

func (c *Cache) lookupInProcess(kind Kind, hash string) (cachedToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.inproc[cacheKey(kind, hash)]
	if !ok || !tok.validFor(c.now()) {
		return cachedToken{}, false
	}
	return tok, true
}

func (c *Cache) storeInProcess(kind Kind, hash string, tok cachedToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inproc[cacheKey(kind, hash)] = tok
}

func cacheKey(kind Kind, hash string) string { return string(kind) + ":" + hash }

func (c *Cache) lookupDurable(ctx context.Context, kind Kind, hash string) (cachedToken, bool, error) {
	var tok cachedToken
	ok, err := c.store.GetJSON(ctx, c.keys.TokenCache(string(kind), hash), &tok)
	if err != nil || !ok {
		return cachedToken{}, false, err
	}
	if !tok.validFor(c.now()) {
		return cachedToken{}, false, nil
	}
	return tok, true, nil
}

func (c *Cache) mint(ctx context.Context, kind Kind, hash string, scopes []string) (string, time.Time, error) {
	accessToken, expiresIn, err := c.mintWithBackoff(ctx, kind, scopes)
	if err != nil {
		return "", time.Time{}, err
	}

	tok := cachedToken{
		AccessToken: accessToken,
		ExpiresAt:   c.now().Add(expiresIn),
		Scopes:      scopes,
	}

	ttl := expiresIn - cacheSafetyWindow
	if ttl < 0 {
		ttl = 0
	}
	if err := c.store.SetJSON(ctx, c.keys.TokenCache(string(kind), hash), tok, ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("token: persist cache entry: %w", err)
	}
	c.storeInProcess(kind, hash, tok)

	return tok.AccessToken, tok.ExpiresAt, nil
}

// FailureKind classifies a Minter error per spec.md §4.1.
type FailureKind string

const (
	FailureConsentRequired FailureKind = "consent_required"
	FailureBadCredentials  FailureKind = "bad_credentials"
	FailureThrottled       FailureKind = "throttled"
	FailureTransient       FailureKind = "transient"
)

// MintError wraps a Minter failure with its classification.
type MintError struct {
	Kind FailureKind
	Err  error
}

func (e *MintError) Error() string { return fmt.Sprintf("token: %s: %v", e.Kind, e.Err) }
func (e *MintError) Unwrap() error { return e.Err }

func (k FailureKind) fatal() bool {
	return k == FailureConsentRequired || k == FailureBadCredentials
}

const maxMintAttempts = 5

// mintWithBackoff retries transient/throttled failures with exponential
// backoff capped at 60s plus up to 50% jitter; consent_required and bad_credentials are fatal and surfaced
// immediately as classified errors for health reporting (spec.md §4.1).
func (c *Cache) mintWithBackoff(ctx context.Context, kind Kind, scopes []string) (string, time.Duration, error) {
	var lastErr error
	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		token, expiresIn, err := c.minter.Mint(ctx, kind, scopes)
		if err == nil {
			return token, expiresIn, nil
		}

		var mintErr *MintError
		if errors.As(err, &mintErr) && mintErr.Kind.fatal() {
			kind := syncerr.BadCredentials
			if mintErr.Kind == FailureConsentRequired {
				kind = syncerr.ConsentRequired
			}
			return "", 0, syncerr.New(kind, err)
		}
		lastErr = err

		delay := backoffFor(attempt)
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", 0, syncerr.New(syncerr.Transient, fmt.Errorf("exhausted retries: %w", lastErr))
}

func backoffFor(attempt int) time.Duration {
	base := time.Second
	d := base
	for i := 1; i < attempt && d < 60*time.Second; i++ {
		d *= 2
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d/2+1)))
}
