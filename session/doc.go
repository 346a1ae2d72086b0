// Package session implements the Redis-backed revocation store: a whitelist of
// currently-valid session identifiers, an advisory blacklist of explicitly
// logged-out identifiers, and a per-subject index used for mass revocation.
//
// The whitelist is the sole source of truth for admission. The blacklist is
// written on logout but never consulted by the validator; the index may lag
// whitelist removals and is only a cleanup aid.
package session
