package models

// Event names broadcast to conversation observers.
const (
	// EventStreamingUpdate carries an incremental content chunk for a
	// streaming agent message.
	EventStreamingUpdate = "streaming_update"

	// EventStreamingEnd marks the end of a streaming agent message.
	EventStreamingEnd = "streaming_end"

	// EventThinkingUpdate carries an incremental reasoning chunk.
	EventThinkingUpdate = "thinking_update"

	// EventAgentStatus carries a transient activity line ("using tool X")
	// that is shown but never persisted.
	EventAgentStatus = "agent_status"

	// EventError carries a transient failure notice. It is ephemeral; no
	// message row backs it.
	EventError = "error"
)
