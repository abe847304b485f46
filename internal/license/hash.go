package license

import (
	"encoding/hex"
	"net/url"

	"golang.org/x/crypto/blake2b"
)

// HashToken returns the hex blake2b-256 digest of a license token.
// Raw tokens are never used as cache keys or logged.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CacheKey builds the (tenant, token hash) cache key. The tenant is
// query-escaped so a tenant prefix match can never span two tenants.
func CacheKey(tenantID, token string) string {
	return tenantPrefix(tenantID) + HashToken(token)
}

func tenantPrefix(tenantID string) string {
	return url.QueryEscape(tenantID) + ":"
}

// tokenFingerprint is a short form of the token hash for logs
func tokenFingerprint(token string) string {
	return HashToken(token)[:12]
}
