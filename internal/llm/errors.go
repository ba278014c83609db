package llm

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable failure code surfaced to API consumers.
type ErrorCode string

const (
	// CodeAPIKeyRequired: provider needs per-user credentials and none exist.
	CodeAPIKeyRequired ErrorCode = "API_KEY_REQUIRED"
	// CodeModelsNotChecked: the user's model list was never verified.
	CodeModelsNotChecked ErrorCode = "MODELS_NOT_CHECKED"
	// CodeInvalidPreset: the active preset is missing or renders empty.
	CodeInvalidPreset ErrorCode = "INVALID_PRESET"
	// CodeSafetyBlocked: the backend rejected the content; terminal, not retried.
	CodeSafetyBlocked ErrorCode = "SAFETY_BLOCKED"
	// CodeAllKeysCooling: every credential is inside its cooldown window.
	CodeAllKeysCooling ErrorCode = "ALL_KEYS_COOLING"
	// CodeAllServicesFailed: the whole model x credential search space failed.
	CodeAllServicesFailed ErrorCode = "ALL_SERVICES_FAILED"
	// CodeEmptyResponse: the stream finished without any non-empty chunk.
	CodeEmptyResponse ErrorCode = "EMPTY_RESPONSE"
	// CodeUserAborted: the caller cancelled the request.
	CodeUserAborted ErrorCode = "USER_ABORTED"
	// CodeUnknownProvider: no provider is registered under the requested name.
	CodeUnknownProvider ErrorCode = "UNKNOWN_PROVIDER"
	// CodeStreamingUnsupported: the backend rejects the requested call mode.
	CodeStreamingUnsupported ErrorCode = "STREAMING_UNSUPPORTED"
	// CodeUnknownAction: the requested message action does not exist.
	CodeUnknownAction ErrorCode = "UNKNOWN_ACTION"
	// CodePipelineCritical: unexpected internal failure.
	CodePipelineCritical ErrorCode = "PIPELINE_CRITICAL"
)

// CodedError attaches an ErrorCode to an error chain.
type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Coded builds a CodedError with a formatted message.
func Coded(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodedWrap builds a CodedError wrapping an underlying cause.
func CodedWrap(code ErrorCode, err error, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from an error chain, defaulting to
// PIPELINE_CRITICAL for uncoded errors.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodePipelineCritical
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
