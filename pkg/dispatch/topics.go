package dispatch

// Inbound topics handled by the orchestrator.
const (
	TopicUtterance       = "utterance.recognized"
	TopicSkillRegister   = "skill.register"
	TopicSkillHeartbeat  = "skill.heartbeat"
	TopicSkillUnregister = "skill.unregister"
	TopicSessionEnd      = "session.end"
	TopicSkillActivate   = "skill.activate"
	TopicSkillDeactivate = "skill.deactivate"
	TopicContextAdd      = "context.add"
	TopicContextRemove   = "context.remove"
	TopicContextClear    = "context.clear"
	TopicIntentGet       = "intent.get"
	TopicSkillsGet       = "skills.get"
	TopicActiveSkillsGet = "active_skills.get"
)

// Skill invocation over the bus. Requests for one skill travel on
// InvokeTopic(skillID).
const (
	TopicSkillInvoke = "skill.invoke"
	// TopicSkillReregister asks a skill host to announce itself again, sent
	// when a heartbeat arrives for an unknown skill.
	TopicSkillReregister = "skill.register.request"
	// ResponseSuffix is appended to a request topic to form its reply topic.
	ResponseSuffix = ".response"
)

// Outbound topics emitted by the orchestrator.
const (
	TopicSpeak       = "speak"
	TopicGUI         = "gui.show"
	TopicNoMatch     = "system.nomatch"
	TopicError       = "system.error"
	TopicStop        = "system.stop"
	TopicSuperseded  = "orchestrator.superseded"
	TopicTelemetry   = "telemetry.dispatch_result"
	TopicSkillHealth = "telemetry.skill_health"
)

// ResponseTopic returns the reply topic for a request topic.
func ResponseTopic(topic string) string { return topic + ResponseSuffix }

// InvokeTopic returns the topic carrying invocations of one skill.
func InvokeTopic(skillID string) string { return TopicSkillInvoke + "." + skillID }
