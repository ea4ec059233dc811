package protocol

// Event names pushed from the core to the gateway transport.
const (
	EventAgentThinking    = "agent:thinking"
	EventAgentAction      = "agent:action"
	EventAgentObservation = "agent:observation"
	EventAgentCompleted   = "agent:completed"
	EventAgentError       = "agent:error"

	EventMemorySaved = "memory:saved"

	EventActionPush      = "action:push"
	EventActionQueued    = "action:queued"
	EventActionCancelled = "action:cancelled"
	EventActionCleared   = "action:cleared"

	EventSchedulerTick = "scheduler:tick"

	// A task was handed to a sub-agent.
	EventTaskDelegated = "orchestrator:delegated"

	EventGatewayChatResponse = "gateway:chat:response"

	// Agentic HITL proxy applied (or evaluated) an intervention.
	EventAgenticIntervention = "agentic-user:intervention"

	// Real operator activity on a (source, sourceId) pair.
	// Consumed by the HITL proxy to suppress interventions.
	EventUserActivity = "user:activity"

	EventConfigChanged = "config:changed"
)
