// Package eventsourced provides an event sourcing persistence core: an
// append-only per entity event log with optimistic concurrency, a latest-wins
// snapshot store, a hydrator reconstructing entity state from snapshot and
// tail events, and projection runners folding the log into read models.
//
// Storage is pluggable through the broker package. Connect wires everything
// on top of an in-memory, sqlite or postgres broker.
package eventsourced
