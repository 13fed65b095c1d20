// Package queue holds the unclaimed support conversations as an ordered,
// idempotent cache over the store's unassigned query.
package queue
