// Package studysync synchronizes locally-edited study data with a remote
// backend. Each sync cycle pushes dirty records in batches, then pulls the
// remote change feed through a persisted keyset cursor, resolving conflicts
// last-write-wins. The engine is offline-first: every failure mode leaves
// the local store consistent and resumable, and repeated cycles converge.
//
// The Orchestrator runs one Engine per entity collection (study sets,
// completed sessions, spaced-repetition review state) concurrently. Per
// (entity, identity) advisory locks keep multiple processes from syncing the
// same data at once, and a persisted circuit breaker stops pulling when the
// remote schema has drifted ahead of this client.
package studysync
