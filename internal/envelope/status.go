package envelope

import "time"

// Status values for the retained agent-status payload.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// StatusPayload is the retained message published to an agent's status topic.
type StatusPayload struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusPayload builds a status payload with an RFC-3339 UTC timestamp.
func NewStatusPayload(agentID, status string, now time.Time) StatusPayload {
	return StatusPayload{
		AgentID:   agentID,
		Status:    status,
		Timestamp: now.UTC(),
	}
}

// ErrorCode is a member of the closed error-code taxonomy.
type ErrorCode string

const (
	ErrToolExecutionFailed   ErrorCode = "tool_execution_failed"
	ErrLLMError              ErrorCode = "llm_error"
	ErrInvalidInput          ErrorCode = "invalid_input"
	ErrPipelineDepthExceeded ErrorCode = "pipeline_depth_exceeded"
	ErrInternal              ErrorCode = "internal_error"
)

// ErrorDetail is the nested error object of an ErrorPayload.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorPayload is published to the conversation topic when a pipeline step
// fails in a user-visible way.
type ErrorPayload struct {
	Error  ErrorDetail `json:"error"`
	TaskID string      `json:"task_id"`
}

// NewErrorPayload builds an error payload for the given task and code. The
// caller is responsible for ensuring message contains no secrets.
func NewErrorPayload(taskID string, code ErrorCode, message string) ErrorPayload {
	return ErrorPayload{
		Error:  ErrorDetail{Code: code, Message: message},
		TaskID: taskID,
	}
}
