// Package skill defines the contract between the orchestrator and the
// capabilities it dispatches to.
//
// A [Skill] scores utterances, handles the ones it wins and, while it is the
// active skill of a session, gets first refusal on follow-up utterances via
// Converse. Skills may live in-process ([Funcs], pattern manifests, LLM
// personas) or out of process behind the bus ([BusSkill], served by [Host])
// or behind MCP.
package skill
