// Package session tracks live chat connections. The Registry is the
// process-local map from user ID to connection handle; the Store keeps a
// TTL-bound presence record per user in Redis so that state left behind by
// a crashed node can be recognised and reaped.
package session
