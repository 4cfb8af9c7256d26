package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Submission & Execution errors
// 14000-14999: Container runtime errors
const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007

	// Submission (13000-13099)
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	EmptyCode            ErrorCode = 13004

	// Execution (13100-13199)
	CompilationError  ErrorCode = 13102
	RuntimeError      ErrorCode = 13103
	TimeLimitExceeded ErrorCode = 13104

	// Container runtime (14000-14099)
	InfrastructureError ErrorCode = 14000
	RuntimeNotReady     ErrorCode = 14001
	ContainerStartFail  ErrorCode = 14002
	ContainerCopyFail   ErrorCode = 14003
)

var codeMessages = map[ErrorCode]string{
	Success:              "Success",
	InternalServerError:  "Internal server error",
	InvalidParams:        "Invalid parameters",
	NotFound:             "Resource not found",
	TooManyRequests:      "Too many requests, please try again later",
	ServiceUnavailable:   "Service temporarily unavailable",
	CodeTooLarge:         "Code size exceeds limit",
	LanguageNotSupported: "Programming language not supported",
	EmptyCode:            "Code must not be empty",
	CompilationError:     "Compilation error",
	RuntimeError:         "Runtime error",
	TimeLimitExceeded:    "Time limit exceeded",
	InfrastructureError:  "Container runtime failure",
	RuntimeNotReady:      "Container runtime is not ready",
	ContainerStartFail:   "Failed to start container",
	ContainerCopyFail:    "Failed to copy code into container",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code.
// Compilation and runtime errors are results of the submitted code, not
// failures of the service, so they map to 200.
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success, c == CompilationError, c == RuntimeError:
		return http.StatusOK
	case c == NotFound:
		return http.StatusNotFound
	case c == TooManyRequests:
		return http.StatusTooManyRequests
	case c == TimeLimitExceeded:
		return http.StatusRequestTimeout
	case c == ServiceUnavailable, c == RuntimeNotReady:
		return http.StatusServiceUnavailable
	case c == InvalidParams, c >= 13000 && c < 13100:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsInfrastructure reports whether the code signals a systemic failure
// that must be logged with full detail.
func (c ErrorCode) IsInfrastructure() bool {
	return c.HTTPStatus() >= http.StatusInternalServerError
}
