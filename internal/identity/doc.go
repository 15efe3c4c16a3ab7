// Package identity persists the reference speaker identities consulted by
// cross-reference matching.
//
// Identities are keyed by voiceprint fingerprint and stored in a small SQLite
// database next to the queue. The store satisfies inference.IdentityStore;
// the CLI uses List, Remove and Clear for curation.
package identity
