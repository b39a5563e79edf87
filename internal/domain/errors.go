package domain

// ErrorCode classifies a failure recorded on a run or step.
type ErrorCode string

const (
	ErrorCodeUnknown               ErrorCode = "unknown"
	ErrorCodeValidation            ErrorCode = "validation_error"
	ErrorCodeNotFound              ErrorCode = "not_found"
	ErrorCodeDependencyUnavailable ErrorCode = "dependency_unavailable"
	ErrorCodeTaskFailed            ErrorCode = "task_failed"
)

// ErrorPayload is the structured error persisted on failed runs and steps.
// Trace carries the worker-side stack when the failure came from execution.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  any       `json:"detail,omitempty"`
	Trace   string    `json:"trace,omitempty"`
}

// NewError builds an ErrorPayload with the given code and message.
func NewError(code ErrorCode, message string) *ErrorPayload {
	if code == "" {
		code = ErrorCodeUnknown
	}
	return &ErrorPayload{Code: code, Message: message}
}
