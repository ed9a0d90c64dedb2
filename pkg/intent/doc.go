// Package intent ranks skills' claims on an utterance.
//
// Every eligible skill is scored concurrently within a per-round deadline.
// Skills that error, panic or miss the deadline are left out of the round and
// reported as health events. Surviving candidates above the confidence
// threshold are ordered by confidence, then by the configured tie-break.
package intent
