// Package stream generates model responses as append-only event logs that
// multiple consumers can attach to concurrently. A Broker buffers each
// stream's events in Redis so a client that disconnects mid-generation can
// reattach and replay from the start; without Redis the broker degrades to an
// in-process fan-out whose logs survive only in memory, for the buffer TTL.
package stream
