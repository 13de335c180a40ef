// Package throttle decides how fast each destination mail domain may be
// probed.
//
// Every domain gets its own lightweight state owner, created on first use
// and evicted after a period of inactivity. Mutation of one domain's state
// never blocks another domain. A soft failure halves the domain's permitted
// concurrency and opens an exponentially growing backoff window; a success
// clears the backoff and recovers concurrency one step at a time.
//
// Callers either poll with TryAcquire (the scheduler's dispatcher does this
// across many domains and parks on Changed/NextExpiry) or block in Acquire,
// which parks until the backoff expires or another worker releases capacity.
package throttle
