package protocol

// Gateway method name constants. The transport (REST/WebSocket) lives
// outside this repo; it dispatches these names against gateway.Facade.

// Task / action lifecycle
const (
	MethodTaskPush      = "task.push"
	MethodActionsList   = "actions.list"
	MethodActionsGet    = "actions.get"
	MethodActionsCancel = "actions.cancel"
	MethodActionsClear  = "actions.clear"
)

// Skills
const (
	MethodSkillsList    = "skills.list"
	MethodSkillsExecute = "skills.execute"
	MethodSkillsHealth  = "skills.health"
)

// Memory
const (
	MethodMemoryRecent = "memory.recent"
	MethodMemorySearch = "memory.search"
)

// Config
const (
	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"
)

// Loop control and chat
const (
	MethodLoopStart   = "loop.start"
	MethodLoopStop    = "loop.stop"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodHealth      = "health"
)
