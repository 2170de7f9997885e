// Package pool provides memory management for part transfers.
//
// Part bodies are read into buffers that are reused between parts of the same
// size, so a multi-gigabyte upload allocates at most one buffer per in-flight
// part instead of one per part.
package pool
