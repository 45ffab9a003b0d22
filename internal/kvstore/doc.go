// Package kvstore provides the durable key/value layer the queue and
// scheduler persist through.
//
// The contract is intentionally minimal: atomic get/set/delete plus an
// ordered prefix scan over composite keys ("jobs/<id>"). Drivers:
//   - "sqlite": SQLite database file (single-writer, WAL)
//   - "memory": in-process ordered map (tests, ephemeral runs)
package kvstore
