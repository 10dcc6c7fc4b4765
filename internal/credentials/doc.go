// Package credentials keeps credentials for gated content.
//
// Only a BLAKE2b-256 hash of each value reaches the database. The plaintext
// lives in a process-local cache keyed by credential ID and is evicted on
// delete, replacement and expiry, so after a restart a stored credential can
// be verified but not replayed until it is provided again.
//
// Lookups try the URL's host (lowercased, leading "www." stripped) and then
// its registrable domain from the public suffix list. Expired credentials are
// deleted when a lookup touches them.
package credentials
