package openidclient

import (
	"net/url"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NonceCacheSize caps the per-origin+path nonce store. Least-recently-used
// entries are evicted beyond this.
const NonceCacheSize = 100

// nonceCache remembers the last valid DPoP nonce seen per origin+path. It is
// updated once per attempt during completion, regardless of request outcome,
// so the caller's next invocation picks up a fresh nonce without the engine
// retrying on its own.
type nonceCache struct {
	entries *lru.Cache[string, string]
	evicted func(key string)
}

func newNonceCache(size int, evicted func(key string)) *nonceCache {
	c := &nonceCache{evicted: evicted}
	cache, err := lru.NewWithEvict(size, func(key string, _ string) {
		if c.evicted != nil {
			c.evicted(key)
		}
	})
	if err != nil {
		// Only reachable with a non-positive size; callers pass constants.
		panic(err)
	}
	c.entries = cache
	return c
}

// Get returns the cached nonce for key, if any.
func (c *nonceCache) Get(key string) (string, bool) {
	return c.entries.Get(key)
}

// Set stores nonce under key if it satisfies the token charset. Returns
// whether the value was stored.
func (c *nonceCache) Set(key, nonce string) bool {
	if !isNonceToken(nonce) {
		return false
	}
	c.entries.Add(key, nonce)
	return true
}

// Len returns the number of cached entries.
func (c *nonceCache) Len() int {
	return c.entries.Len()
}

// nonceKey derives the cache key for a target URL: origin plus path.
func nonceKey(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + u.Host + path
}

// isNonceToken reports whether s is a non-empty HTTP token (RFC 9110 tchar):
// no control characters, no whitespace, no separators. Nonces failing this
// are never cached.
func isNonceToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
