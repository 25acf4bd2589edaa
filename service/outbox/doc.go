// Package outbox drains pending outbox rows into the event stream. Rows are
// written by store transactions in the same commit as the state change they
// announce; the publisher's only writes are its own status markers, so a
// crash between publish and mark merely causes an idempotent republish.
package outbox
