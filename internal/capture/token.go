// Package capture implements the passive observation side of the system:
// the network tap, the authorization token cache, and the sink of media
// URLs recovered from traffic.
package capture

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// TokenKey is the version-scoped settings key the token persists under.
	// The version suffix keeps stale values from older schema generations
	// from being picked up.
	TokenKey = "csrk_token_v2"

	// Tokens shorter than this are treated as noise and never stored.
	minTokenLength = 6

	tokenPollInterval = 100 * time.Millisecond
)

// SettingsStore is the persistence contract the cache needs. A nil store is
// valid and means in-memory-only operation.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// TokenCache holds the single authorization token currently believed valid.
// A token observed on a real metadata request is authoritative; weaker
// guesses (page URL, cookie, configured hint, persisted value) are only
// consulted while nothing has been captured yet.
type TokenCache struct {
	mu    sync.RWMutex
	value string

	pageURL string
	cookie  string
	hint    string
	store   SettingsStore
	logger  *slog.Logger
}

// NewTokenCache builds a cache seeded best-effort from persisted storage.
// pageURL, cookie and hint are the passive fallback sources consulted by
// Current until a token is captured.
func NewTokenCache(store SettingsStore, pageURL, cookie, hint string, logger *slog.Logger) *TokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &TokenCache{
		pageURL: pageURL,
		cookie:  cookie,
		hint:    hint,
		store:   store,
		logger:  logger,
	}
	if store != nil {
		if v, err := store.GetSetting(TokenKey); err == nil {
			c.value = strings.TrimSpace(v)
		}
	}
	return c
}

// Remember stores a captured token candidate. Empty, too-short, and
// unchanged candidates are ignored. A stored value is persisted
// best-effort; storage failure leaves the in-memory value in place.
func (c *TokenCache) Remember(candidate string) {
	tok := strings.TrimSpace(candidate)
	if tok == "" || len(tok) < minTokenLength {
		return
	}

	c.mu.Lock()
	if tok == c.value {
		c.mu.Unlock()
		return
	}
	c.value = tok
	c.mu.Unlock()

	c.logger.Info("Captured authorization token", "length", len(tok))

	if c.store != nil {
		if err := c.store.SetSetting(TokenKey, tok); err != nil {
			c.logger.Warn("Token persistence unavailable, keeping in-memory only", "error", err)
		}
	}
}

// Current returns the best token available right now: the captured value
// first, then the page-URL query parameter, the cookie pair, the configured
// hint, and finally persisted storage. Returns empty when all sources fail.
func (c *TokenCache) Current() string {
	c.mu.RLock()
	v := c.value
	c.mu.RUnlock()
	if v != "" {
		return v
	}

	if tok := tokenFromPageURL(c.pageURL); tok != "" {
		return tok
	}
	if tok := tokenFromCookie(c.cookie); tok != "" {
		return tok
	}
	if c.hint != "" {
		return c.hint
	}

	if c.store != nil {
		if stored, err := c.store.GetSetting(TokenKey); err == nil {
			stored = strings.TrimSpace(stored)
			if stored != "" {
				c.mu.Lock()
				if c.value == "" {
					c.value = stored
				}
				c.mu.Unlock()
				return stored
			}
		}
	}

	return ""
}

// WaitFor polls until Current returns a non-empty token or maxWait elapses,
// whichever is first. Returns empty on timeout or context cancellation.
func (c *TokenCache) WaitFor(ctx context.Context, maxWait time.Duration) string {
	if tok := c.Current(); tok != "" {
		return tok
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(tokenPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
			if tok := c.Current(); tok != "" {
				return tok
			}
			if time.Now().After(deadline) {
				return ""
			}
		}
	}
}

// WaitForDifferent polls until Current returns a non-empty token other than
// old, or maxWait elapses. Used after an auth rejection: retrying with the
// token that just failed is pointless.
func (c *TokenCache) WaitForDifferent(ctx context.Context, old string, maxWait time.Duration) string {
	if tok := c.Current(); tok != "" && tok != old {
		return tok
	}

	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(tokenPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
			if tok := c.Current(); tok != "" && tok != old {
				return tok
			}
			if time.Now().After(deadline) {
				return ""
			}
		}
	}
}

func tokenFromPageURL(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("csrkToken")
}

func tokenFromCookie(cookie string) string {
	for _, part := range strings.Split(cookie, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k == "csrkToken" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
