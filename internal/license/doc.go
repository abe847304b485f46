// Package license implements the tenant license gateway: validation of
// tenant license tokens against a remote license authority, module
// entitlements read from the tenant license store, and usage limits.
//
// # Validation Flow
//
// Gateway.Validate resolves a verdict for a (tenant, token) pair:
//
//	1. An empty token fails with LICENSE_REQUIRED
//	2. A cache entry younger than the freshness window is returned as cached
//	3. Otherwise one authority call per key is made (singleflight), rate
//	   limited per tenant and retried with exponential backoff on transient
//	   errors only
//	4. valid:false fails with the authority code; 4xx and malformed
//	   responses fail with LICENSE_INVALID
//	5. When the authority is unreachable, an entry younger than the offline
//	   grace window is returned tagged offline, else LICENSE_SERVER_UNAVAILABLE
//
// The authority call runs on a context detached from the caller and bounded
// by the outer timeout, so a client abort never wastes a completed round trip.
//
// # Caching
//
// ValidationCache keys entries by the tenant and the blake2b hash of the
// token; raw tokens are never stored or logged. A CacheStore such as
// RedisStore shares verdicts between replicas.
//
// # Entitlements
//
// Entitlements checks module grants and usage limits against a Store
// (PGStore in production, MemoryStore for tests and single-node setups).
// The core module is always licensed and has no limits.
//
// # Error Handling
//
// All failures are *GatewayError values carrying a stable code, an HTTP
// status and the context rendered to clients (tenantId, feature,
// availableFeatures, details). Only LICENSE_SERVER_UNAVAILABLE is
// retryable by the caller.
package license
