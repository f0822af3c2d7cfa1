// Package storage persists post records, registered destinations and the
// operator audit log.
//
// Two drivers are available:
//   - "sqlite": a single SQLite file, schema applied from embedded migrations
//   - "memory": process-local maps, used by tests and dry runs
//
// Status changes are compare-and-set: a record leaves "scheduled" exactly
// once, which is what keeps delivery at-most-once across overlapping
// scheduler ticks and processes sharing one database file.
package storage
