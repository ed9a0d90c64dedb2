// Package bus is the message transport the orchestrator listens and speaks on.
//
// Messages follow the OVOS message shape: a dotted type, a data payload and a
// context map that travels with replies. Three transports implement [Bus]:
// [LocalBus] for in-process fan-out, [WSBus] for the OVOS websocket
// messagebus (with [Hub] as a minimal server) and [NATSBus] for NATS.
//
// Subscriptions filter by topic pattern. A pattern is either an exact topic or
// a dotted pattern where "*" matches exactly one segment and a trailing ">"
// matches one or more remaining segments, the same wildcard rules NATS uses.
package bus
