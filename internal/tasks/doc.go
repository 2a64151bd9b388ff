// Package tasks implements the synchronization engine on top of a [catalog.Store].
//
// # Locking
//
// [LockManager] builds lease locks from nothing but read and conditional patch. Acquisition reads the current
// token, writes a new one guarded by [catalog.LockFree], waits a settle delay and re-reads: only the worker whose
// nonce is still stored holds the lock. Tokens expire after the lock TTL and are reclaimed by
// [LockManager.SweepStale] at the start of every run.
//
// # Processing
//
// [Engine.Run] enumerates candidates page by page with a [Selector], collapses duplicates inside each page,
// and hands the survivors to a bounded worker pool. Per item the order is fixed:
//
//  1. acquire the lock, skipping the item when another worker holds it
//  2. re-fetch and re-verify eligibility
//  3. look the item up in the library index, marking it a duplicate on a match
//  4. call the [Pipeline], retrying transient failures with backoff
//  5. record the outcome through the [Recorder] and release the lock
//
// The [Recorder] never marks an item complete before its artifacts have been verified; the completion flag is the
// last field written.
//
// # Progress Reporting
//
// Runs emit [ProgressUpdate] values on an optional channel. Sends never block; a slow consumer misses updates
// rather than stalling workers.
package tasks
