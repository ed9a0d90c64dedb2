// Package sandbox runs skill operations in isolation from the dispatch loop.
//
// Every call gets a deadline, panics are converted into errors and a call
// that overruns is abandoned rather than awaited, so one misbehaving skill
// cannot stall the orchestrator. Outcomes feed back into the registry:
// timeouts degrade a skill immediately, handler failures count towards the
// failure threshold.
//
// The isolation steps are composable [Middleware] over a [Runner].
package sandbox
