package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"codexxengine/executor"
	"codexxengine/logger"
	"codexxengine/model"
	appErr "codexxengine/pkg/errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job executor.Job) (*executor.Outcome, error)
}

// Catalog lists supported languages.
type Catalog interface {
	Languages() []string
	Version() float64
}

// PoolReporter reports pooled containers per language.
type PoolReporter interface {
	Snapshot() map[string]executor.PoolStats
}

// InfoReader returns a language's compiler or runtime version.
type InfoReader interface {
	Get(language string) string
}

// ExecutionService turns transport requests into engine jobs and engine
// results into response bodies. HTTP and NATS share it.
type ExecutionService struct {
	runner    Runner
	catalog   Catalog
	pool      PoolReporter
	info      InfoReader
	logger    *zap.Logger
	incidents *logger.IncidentStreamer
	started   time.Time
	now       func() time.Time
}

func NewExecutionService(runner Runner, catalog Catalog, pool PoolReporter, info InfoReader, log *zap.Logger, incidents *logger.IncidentStreamer) *ExecutionService {
	return &ExecutionService{
		runner:    runner,
		catalog:   catalog,
		pool:      pool,
		info:      info,
		logger:    log,
		incidents: incidents,
		started:   time.Now(),
		now:       time.Now,
	}
}

// Execute runs a request and returns the HTTP status with the body to
// send. The job is detached from ctx's cancellation, so a client that
// goes away does not abort it.
func (s *ExecutionService) Execute(ctx context.Context, req model.ExecutionRequest) (int, any) {
	job := executor.Job{
		Language: req.Language,
		Code:     req.Code,
		Input:    req.Input,
	}
	if req.Tests != nil {
		job.Tests = make([]executor.TestCase, len(req.Tests))
		for i, tc := range req.Tests {
			job.Tests[i] = executor.TestCase{Input: tc.Input, Output: tc.Output}
		}
	}

	s.logger.Info("Received execution request", zap.String("language", req.Language), zap.Int("tests", len(req.Tests)))

	outcome, err := s.runner.Run(context.WithoutCancel(ctx), job)
	if err != nil {
		return s.Failure(err)
	}

	resp := &model.ExecutionResponse{
		JobID:     outcome.JobID,
		Output:    outcome.Output,
		Error:     outcome.Error,
		Truncated: outcome.Truncated,
		Language:  outcome.Language,
		Info:      outcome.Info,
		Envelope:  s.envelope(http.StatusOK),
	}
	if outcome.TestResults != nil {
		results := make([]model.TestResult, len(outcome.TestResults))
		for i, r := range outcome.TestResults {
			results[i] = model.TestResult{Output: r.Output, Passed: r.Passed}
		}
		resp.TestResults = &results
	}
	return http.StatusOK, resp
}

// Failure maps err to a status and error body. Server-side failures are
// logged and reported as incidents, client errors are not.
func (s *ExecutionService) Failure(err error) (int, *model.ErrorResponse) {
	code := appErr.GetCode(err)
	status := code.HTTPStatus()

	if status >= http.StatusInternalServerError {
		var (
			jobID string
			e     *appErr.Error
		)
		if errors.As(err, &e) {
			if id, ok := e.Details["job_id"].(string); ok {
				jobID = id
			}
		}
		s.logger.Error("Execution failed", zap.Int("code", int(code)), zap.String("job_id", jobID), zap.Error(err))
		s.incidents.Log(zapcore.ErrorLevel, jobID, "Execution failed", map[string]any{"code": int(code), "status": status}, "service", err)
	}

	message := err.Error()
	if code == appErr.InternalServerError && !errors.As(err, new(*appErr.Error)) {
		message = code.Message()
	}
	return status, &model.ErrorResponse{
		Error:    message,
		Code:     int(code),
		Envelope: s.envelope(status),
	}
}

// List reports every supported language with its version string.
func (s *ExecutionService) List() *model.ListResponse {
	languages := s.catalog.Languages()
	out := make([]model.LanguageInfo, 0, len(languages))
	for _, l := range languages {
		out = append(out, model.LanguageInfo{Language: l, Info: s.info.Get(l)})
	}
	return &model.ListResponse{
		SupportedLanguages: out,
		Version:            s.catalog.Version(),
		Envelope:           s.envelope(http.StatusOK),
	}
}

func (s *ExecutionService) Status() *model.StatusResponse {
	pool := make(map[string]model.PoolStatus)
	for l, st := range s.pool.Snapshot() {
		pool[l] = model.PoolStatus{Idle: st.Idle, Total: st.Total}
	}
	return &model.StatusResponse{
		Uptime:   s.now().Sub(s.started).Seconds(),
		Version:  s.catalog.Version(),
		Pool:     pool,
		Envelope: s.envelope(http.StatusOK),
	}
}

func (s *ExecutionService) envelope(status int) model.Envelope {
	return model.Envelope{Status: status, TimeStamp: s.now().UnixMilli()}
}
