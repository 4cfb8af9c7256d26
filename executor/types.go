package executor

// TestCase is one input to feed the program. Output, when set, is the
// expected stdout.
type TestCase struct {
	Input  string
	Output *string
}

type TestResult struct {
	Output string `json:"output"`
	Passed bool   `json:"passed"`
}

// Job is one code execution request.
type Job struct {
	Language string
	Code     string
	Input    string
	Tests    []TestCase
}

// Outcome is the result of a job whose container work completed. Compile
// and runtime failures of the submitted code are reported in Error.
type Outcome struct {
	JobID       string
	Language    string
	Output      *string
	TestResults []TestResult
	Error       string
	Info        string
	Truncated   bool

	// CleanupDone is closed once the job's container and files are
	// released.
	CleanupDone <-chan struct{}
}

// Kind classifies an outcome for metrics.
func (o *Outcome) Kind() string {
	switch {
	case o.Error == "":
		return "success"
	case o.Output == nil && o.TestResults == nil:
		return "compile_error"
	default:
		return "runtime_error"
	}
}
