// Package jwt signs and verifies compact session tokens. Every token carries
// the subject id, its account class, and a unique session identifier (jti)
// that the revocation store keys on.
package jwt
