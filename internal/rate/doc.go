// Package rate throttles failed login attempts with fixed-window Redis
// counters, keyed by identifier and client IP.
package rate
