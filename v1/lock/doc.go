// Package lock provides TTL-bounded mutual exclusion for named resources on
// top of a key/value store.
//
// A lock is a single record: the namespaced lock key holding the token of the
// current holder, with a store-managed expiry. Acquire creates the record only
// if it is absent (SET NX PX), so exactly one of any number of concurrent
// callers wins, across goroutines and processes alike. Release deletes the
// record only if it still holds the caller's token, in one server-side step,
// so a holder whose lock expired can never delete a lock acquired after it.
//
// The Manager keeps no client-side state and takes no in-process mutex:
// correctness comes entirely from the two atomic store primitives. Each call
// is one round trip; there is no waiting, polling, retrying or renewal. A lock
// that is never released disappears when its TTL elapses.
package lock
