// Package utterance defines the recognized-speech unit that flows through the
// orchestrator, together with helpers for session addressing, normalization
// and language resolution.
package utterance
