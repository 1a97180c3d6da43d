// Package heartbeat implements the probe cycle that decides whether a child
// connected over a byte pipe is still alive.
//
// A [Monitor] repeatedly writes a fixed token to the child's input, waits a
// bounded time for the same token to come back on the child's output, and
// measures the round trip. A missing, short or corrupted echo is fatal on the
// spot. A slow echo only counts as a violation; the monitor gives up once more
// than the configured number of consecutive violations have been observed.
//
// Termination of the child is delegated to the caller through a terminate
// function, so the package has no knowledge of processes or signals.
package heartbeat
