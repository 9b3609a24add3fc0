// Package storage persists feed state, fetch attempts and delivery logs.
//
// Delivery log rows are append-only: a PENDING_DELIVERY row may be resolved
// to a terminal status exactly once and no row is ever deleted. Every driver
// enforces at most one pending row per (article, medium) pair.
package storage
