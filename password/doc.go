// Package password provides argon2id hashing with PHC-encoded output and
// constant-time verification.
package password
