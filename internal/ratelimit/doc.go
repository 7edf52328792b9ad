// Package ratelimit implements the shared sliding-window admission limiter.
//
// Every admission check runs one Redis MULTI/EXEC transaction touching one
// sorted set per window:
//
//	ZREMRANGEBYSCORE ratelimit:{identity}:{window} -inf now-length
//	ZCARD            ratelimit:{identity}:{window}
//	ZADD             ratelimit:{identity}:{window} now {now}-{uuid}
//	EXPIRE           ratelimit:{identity}:{window} length+slack
//
// The ZCARD result is the count before the current request is recorded. The
// marker is written whatever the decision is, so a burst of delayed requests
// keeps consuming slots and keeps being throttled.
//
// # Windows
//
// The default windows are
//
//   - second: 1 request per second, violations delayed by 1s, key expiry 2s
//   - minute: 20 requests per minute, violations delayed by 60s, key expiry 61s
//
// # Selection
//
// With SelectFirst (the default) the first violated window, in configured
// order, supplies the delay. SelectLongest picks the longest delay among all
// violated windows, which bounds the number of short-delay admissions per
// minute even under bursts.
//
// # Error Policy
//
// The limiter fails closed: when the transaction cannot be confirmed Check
// returns an error wrapping store.ErrStoreUnavailable and no Decision. An
// empty identity yields ErrInvalidIdentity.
package ratelimit
