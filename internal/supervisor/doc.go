// Package supervisor runs the fleet. A Supervisor waits once on the readiness
// gate, then runs one Loop per worker under a single errgroup scope. Each Loop
// is an explicit state machine:
//
//	waiting-on-deps -> launching -> running -> exited -> (restart delay) -> waiting-on-deps
//
// A Loop launches its worker only when every declared dependency is in the
// live registry, marks the worker live right after the spawn and dead right
// after the exit, and restarts it after a fixed delay. Dependents that are
// already running are left alone when a dependency exits; the registry only
// gates new launches. Cancelling the Run context stops every loop: children
// receive SIGTERM and are killed after the stop grace period.
package supervisor
