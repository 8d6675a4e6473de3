// Package ratelimit gates outbound synthesis requests with a token bucket.
//
// The default Bucket refills lazily in whole tokens and polls while empty,
// which mirrors how the backend meters character voices. Smooth is an
// alternative backed by golang.org/x/time/rate for callers that prefer
// continuous refill.
package ratelimit
