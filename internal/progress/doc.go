// Package progress carries crawl progress events from the engine to pluggable
// sinks. Emitters never block: events are buffered, batched on a background
// goroutine, and dropped with a warning when the buffer is full.
package progress
