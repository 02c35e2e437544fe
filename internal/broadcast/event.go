// Package broadcast implements the Broadcast Hub: the registry of live
// client connections per session, routing server events to one
// connection, one session, or every session.
//
// Grounded on the teacher's internal/server/sse.go for per-connection
// buffering and heartbeat idiom, and on go-memsh's api/handlers.go for
// the gorilla/websocket upgrade-and-pump shape — the teacher's own
// channel is SSE-only (server-to-client), so the bidirectional pump
// comes from go-memsh instead.
package broadcast

import "encoding/json"

// EventType discriminates ServerEvent variants (spec.md §6).
type EventType string

const (
	EventConnectionStatus EventType = "CONNECTION_STATUS"
	EventActions          EventType = "ACTIONS"
	EventAgentThinking    EventType = "AGENT_THINKING"
	EventAgentResponse    EventType = "AGENT_RESPONSE"
	EventToolProgress     EventType = "TOOL_PROGRESS"
	EventWindowAgentStatus EventType = "WINDOW_AGENT_STATUS"
	EventApprovalRequest  EventType = "APPROVAL_REQUEST"
	EventError            EventType = "ERROR"
)

// ConnectionStatus values for EventConnectionStatus.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ToolStatus values for EventToolProgress.
const (
	ToolRunning  = "running"
	ToolComplete = "complete"
	ToolError    = "error"
	ToolStalled  = "stalled" // doom-loop guard tripped; see internal/contextpool/doomloop.go
)

// WindowAgentStatus values for EventWindowAgentStatus.
const (
	WindowAgentAssigned = "assigned"
	WindowAgentActive   = "active"
	WindowAgentReleased = "released"
)

// ServerEvent is the envelope transmitted over the client channel: a
// "type" discriminator plus a type-specific payload, mirroring
// internal/action's tagged-union idiom.
type ServerEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ConnectionStatusPayload backs EventConnectionStatus.
type ConnectionStatusPayload struct {
	Status    string `json:"status"`
	Provider  string `json:"provider,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ActionsPayload backs EventActions.
type ActionsPayload struct {
	Actions   []json.RawMessage `json:"actions"`
	AgentID   string            `json:"agentId"`
	MonitorID string            `json:"monitorId,omitempty"`
}

// AgentThinkingPayload backs EventAgentThinking.
type AgentThinkingPayload struct {
	AgentID string `json:"agentId"`
	Content string `json:"content"`
}

// AgentResponsePayload backs EventAgentResponse.
type AgentResponsePayload struct {
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
	IsComplete bool   `json:"isComplete"`
}

// ToolProgressPayload backs EventToolProgress.
type ToolProgressPayload struct {
	AgentID  string `json:"agentId"`
	ToolName string `json:"toolName"`
	Status   string `json:"status"`
}

// WindowAgentStatusPayload backs EventWindowAgentStatus.
type WindowAgentStatusPayload struct {
	WindowID string `json:"windowId"`
	AgentID  string `json:"agentId"`
	Status   string `json:"status"`
}

// ApprovalRequestPayload backs EventApprovalRequest.
type ApprovalRequestPayload struct {
	DialogID          string `json:"dialogId"`
	Title             string `json:"title"`
	Message           string `json:"message"`
	ConfirmText       string `json:"confirmText,omitempty"`
	CancelText        string `json:"cancelText,omitempty"`
	PermissionOptions any    `json:"permissionOptions,omitempty"`
	AgentID           string `json:"agentId"`
}

// ErrorPayload backs EventError.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ClientMessage is one inbound frame from a client: a user prompt,
// dialog response, or session restore request, discriminated by Type.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	ClientMessagePrompt         = "prompt"
	ClientMessageDialogResponse = "dialogResponse"
	ClientMessageRestoreSession = "restoreSession"
)

// PromptPayload backs a ClientMessagePrompt message.
type PromptPayload struct {
	MonitorID string          `json:"monitorId"`
	Content   string          `json:"content"`
	Images    []ImageAttachment `json:"images,omitempty"`
}

// ImageAttachment is a base64-encoded image on an inbound prompt.
type ImageAttachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// DialogResponsePayload backs a ClientMessageDialogResponse message.
type DialogResponsePayload struct {
	DialogID       string `json:"dialogId"`
	Confirmed      bool   `json:"confirmed"`
	RememberChoice bool   `json:"rememberChoice,omitempty"`
}

// RestoreSessionPayload backs a ClientMessageRestoreSession message.
type RestoreSessionPayload struct {
	SessionID string `json:"sessionId"`
}
