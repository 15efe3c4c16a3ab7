// Package modelcache keeps loaded model instances alive across jobs.
//
// Entries are keyed by model kind and a fingerprint of the model config.
// Concurrent acquirers of a missing entry share a single construction; a
// failed construction is reported to exactly those waiters and the entry is
// dropped so the next acquire retries. Each acquire returns a Handle with a
// unique token; Handle.Use serializes compute on the instance and Release
// returns the reference. Unreferenced entries are evicted least recently used
// first when the cache exceeds its memory budget or the host runs low on
// available memory.
package modelcache
