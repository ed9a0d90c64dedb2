// Package orchestrator drives each utterance through the dispatch state
// machine:
//
//	Received -> ConverseOffered -> Matching -> Dispatching -> Completed
//	                                  \-> Fallback -----------/   \-> Failed
//
// The active skill of the session is offered the utterance first; if it
// declines, skills are scored and the best candidate handles it; if nobody
// matches or the winner declines, the fallback chain runs. Every utterance
// reaches exactly one terminal state, after which its response events and a
// telemetry record are published.
//
// Utterances of one session are processed strictly in arrival order on a
// per-session lane; different sessions run in parallel up to Workers. A lane
// keeps at most QueueDepth waiting utterances, superseding the oldest. Stop
// words pre-empt the running dispatch of their session. Redelivered
// utterance ids are answered from a cache instead of being dispatched twice.
package orchestrator
