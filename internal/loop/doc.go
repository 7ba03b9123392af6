// Package loop implements the synchronization loop that drives a set of
// engines in lockstep.
//
// Every cycle follows the same order:
//
//	collect previous outputs -> run transceiver functions ->
//	distribute new inputs -> step all engines -> collect new outputs
//
// Engines are initialized one after the other in registration order. Within
// a cycle each live engine gets its inputs and then its step on its own
// goroutine; a barrier joins all of them before the next cycle starts, so
// functions always see a complete snapshot of the previous step.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine, once
//   - Stop(): safe from any goroutine
//   - Connections are mutated only by the Run goroutine, between barriers
package loop
