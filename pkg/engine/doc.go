// Package engine is the composition root of ovos-core. It turns a Config into
// a running orchestrator: the messagebus transport, the session store, the
// skill registry and dispatch pipeline, the skills the process hosts itself
// (pattern manifests, MCP servers and the persona fallback) and the admin API.
//
// Remote skills are not configured here; they announce themselves over the
// bus at runtime.
package engine
