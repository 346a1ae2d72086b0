// Package chatstream provides the session and authorization core for an AI
// chat backend: JWT access tokens with a Redis whitelist as the single
// admission authority, guest sessions that never touch the store, and an
// entitlement gate that enforces per-class model access and daily message
// quotas.
//
// The package is the public surface. It exposes [Engine], [Builder],
// [Config], and value types (Principal, EstablishResult). Token signing
// lives in the jwt sub-package, whitelist bookkeeping in session, and
// generation streaming in stream; none of them import chatstream back.
//
// Engine methods are safe for concurrent use after [Builder.Build].
//
// # Admission contract
//
// A non-guest token is valid only while its session id is present in the
// Redis whitelist. The blacklist is advisory; revocation is the whitelist
// entry disappearing. When the store is unreachable, Validate fails closed
// with [ErrStoreUnavailable] rather than admitting on signature alone.
package chatstream
