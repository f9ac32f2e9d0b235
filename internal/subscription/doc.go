// Package subscription caches whether a user holds a paid entitlement.
//
// Lookups read through three layers: an in-process memo, the shared store and
// finally the billing authority. Concurrent misses for one user collapse into
// a single fetch inside the process (singleflight) and across processes (a
// short-lived lock in the shared store). Losers of the lock poll the shared
// store for the winner's result for a bounded time.
//
// Failure policy:
//   - Billing failures fail closed. A missing customer, an access error, a
//     throttled or failing upstream, a network failure or a timeout all resolve
//     to "not entitled" and that answer is cached for the full TTL. During a
//     billing outage paying users therefore fall back to tiered quotas until
//     their entry expires or is invalidated.
//   - Unexpected billing errors (malformed responses, rejected credentials) are
//     returned to the caller and nothing is cached.
//   - Shared store failures are returned to the caller.
package subscription
