// Package mongo provides a MongoDB-backed implementation of session.Store.
// Build the low-level client via features/session/mongo/clients/mongo and
// pass it to NewStore. Each session is one document holding its header, its
// context snapshot and the embedded message log; appends are conditional on
// the stored last sequence so the log stays gapless across processes.
package mongo
