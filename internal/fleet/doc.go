// Package fleet describes the supervised worker set: the static WorkerSpec
// table, the dependency graph derived from it, and the registry of workers
// that are currently live. Graph queries are pure; the registry is the only
// shared mutable state and is safe for concurrent use.
package fleet
