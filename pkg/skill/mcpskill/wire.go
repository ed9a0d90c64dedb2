package mcpskill

import (
	"encoding/json"

	"github.com/builderjer/ovos-core/pkg/skill"
	"github.com/builderjer/ovos-core/pkg/utterance"
)

// Tool names served by Server and called by Client.
const (
	ToolDescribe = "describe"
	ToolScore    = skill.OpScore
	ToolHandle   = skill.OpHandle
	ToolConverse = skill.OpConverse
)

var objectSchema = json.RawMessage(`{"type":"object"}`)

var invokeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "utterance": {"type": "object", "description": "The utterance to score, handle or converse with"},
    "session": {"type": "object", "description": "Session context"},
    "match": {"type": "object", "description": "The match returned by score"}
  },
  "required": ["utterance"]
}`)

type invokeArgs struct {
	Utterance utterance.Utterance `json:"utterance"`
	Session   *skill.Context      `json:"session,omitempty"`
	Match     *skill.Match        `json:"match,omitempty"`
}

// description is the describe tool's result.
type description struct {
	SkillID          string   `json:"skill_id"`
	Name             string   `json:"name,omitempty"`
	Intents          []string `json:"intents,omitempty"`
	ConverseCapable  bool     `json:"converse,omitempty"`
	FallbackPriority *int     `json:"fallback_priority,omitempty"`
	Priority         bool     `json:"priority,omitempty"`
}
