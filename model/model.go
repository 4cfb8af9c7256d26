package model

// TestCase is one input of a test-mode request. Output, when present, is
// the expected stdout.
type TestCase struct {
	Input  string  `json:"input"`
	Output *string `json:"output,omitempty"`
}

// ExecutionRequest represents the request structure for code execution.
// Tests switches the request to test mode and Input is then ignored.
type ExecutionRequest struct {
	Code     string     `json:"code" form:"code"`
	Language string     `json:"language" form:"language"`
	Input    string     `json:"input,omitempty" form:"input"`
	Tests    []TestCase `json:"tests,omitempty" form:"-"`
}

type TestResult struct {
	Output string `json:"output"`
	Passed bool   `json:"passed"`
}

// Envelope is carried by every response.
type Envelope struct {
	Status    int   `json:"status"`
	TimeStamp int64 `json:"timeStamp"`
}

// ExecutionResponse represents the response structure for executed code.
// Error holds the program's compile or runtime error, not a service
// failure. TestResults is set in test mode, even when it is empty.
type ExecutionResponse struct {
	JobID       string        `json:"jobId,omitempty"`
	Output      *string       `json:"output,omitempty"`
	TestResults *[]TestResult `json:"testResults,omitempty"`
	Error       string        `json:"error,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Language    string        `json:"language"`
	Info        string        `json:"info"`
	Envelope
}

// ErrorResponse is returned when a request could not be run at all.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	Envelope
}

type LanguageInfo struct {
	Language string `json:"language"`
	Info     string `json:"info"`
}

type ListResponse struct {
	SupportedLanguages []LanguageInfo `json:"supportedLanguages"`
	Version            float64        `json:"version"`
	Envelope
}

type PoolStatus struct {
	Idle  int `json:"idle"`
	Total int `json:"total"`
}

type StatusResponse struct {
	Uptime  float64               `json:"uptime"`
	Version float64               `json:"version"`
	Pool    map[string]PoolStatus `json:"pool"`
	Envelope
}
