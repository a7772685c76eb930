package security

import "time"

// MinValidIssuedAt is the earliest plausible issue time of a refresh token
// (2021-12-28). Stored rows claiming to be older are treated as corrupt.
const MinValidIssuedAt int64 = 1640690242

// WithinGrace reports whether now is no later than expiresAt plus grace.
// All values are unix seconds.
func WithinGrace(now, expiresAt, grace int64) bool {
	return now <= expiresAt+grace
}

// PlausibleIssuedAt reports whether a stored issue time is not before
// MinValidIssuedAt and not in the future. A rotated refresh token may be
// issued after its family's expiry while inside the grace period, so the
// expiry is not compared.
func PlausibleIssuedAt(now, issuedAt int64) bool {
	return issuedAt >= MinValidIssuedAt && issuedAt <= now
}

// Unix returns t as unix seconds, treating the zero time as 0.
func Unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
