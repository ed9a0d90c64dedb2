// Package dispatch holds the vocabulary shared by every stage of utterance
// dispatch: the error taxonomy, the per-utterance Result with its terminal
// state, outbound events and the bus topics the orchestrator speaks.
package dispatch
