// Package security holds the primitives the authorization server builds on.
//
// Encryptor seals refresh tokens, the stored key set and cached key material
// with AES-256-GCM. DeriveRuntimeKey turns the deployment secret into the key
// that wraps the stored key set.
//
// Auditor writes security events through slog. User ids and token family ids
// are hashed before they are logged.
//
// RateLimiter keeps a token bucket per client IP with LRU eviction so that a
// spread of source addresses cannot grow memory without bound:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(security.GetClientIP(r, trustProxy, proxyCount)) {
//	    // 429
//	}
//
// GetClientIP only honours X-Forwarded-For and X-Real-IP when the server is
// configured to trust its proxy. The client address is taken counting
// trustedProxyCount entries from the right of X-Forwarded-For.
package security
