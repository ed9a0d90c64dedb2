// Package mcpskill bridges skills and the Model Context Protocol. Client
// drives a skill hosted by an MCP server through its describe, score, handle
// and converse tools; Server hosts a skill.Skill behind those same tools.
package mcpskill
