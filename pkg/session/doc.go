// Package session holds per-session conversational state: the active skill,
// turn-scoped context entries and language.
//
// All mutation goes through [Manager.Update], which serialises writers per
// session (bounded by LockTimeout) and persists through a [Store] with
// compare-and-swap on Version, so concurrent orchestrator instances sharing a
// store cannot lose updates.
package session
