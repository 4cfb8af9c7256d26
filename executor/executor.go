package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codexxengine/internal"
	"codexxengine/internal/staging"
	"codexxengine/lang"
	"codexxengine/metrics"
	appErr "codexxengine/pkg/errors"

	logrus "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Instructions is the engine's view of the language instruction table.
type Instructions interface {
	Supported(language string) bool
	Languages() []string
	SourceFile(language string) (string, error)
	CommandsFor(language, jobID string) (lang.Commands, error)
}

// Stager stores submitted source on the host, one directory per job.
type Stager interface {
	Create(fileName, code string) (staging.Workspace, error)
	Remove(jobID string) error
}

type EngineConfig struct {
	JobTimeout     time.Duration
	MaxCodeLength  int
	MaxOutputBytes int
}

// Engine runs jobs: stage, bind a container, compile, execute, clean up.
type Engine struct {
	runner  ProcessRunner
	cli     RuntimeCLI
	pool    *ContainerPool
	table   Instructions
	stager  Stager
	info    *InfoCache
	cleanup *CleanupSupervisor
	cfg     EngineConfig
	logger  *logrus.Logger
}

func NewEngine(runner ProcessRunner, cli RuntimeCLI, pool *ContainerPool, table Instructions, stager Stager, info *InfoCache, cleanup *CleanupSupervisor, cfg EngineConfig, logger *logrus.Logger) *Engine {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	return &Engine{
		runner:  runner,
		cli:     cli,
		pool:    pool,
		table:   table,
		stager:  stager,
		info:    info,
		cleanup: cleanup,
		cfg:     cfg,
		logger:  logger,
	}
}

// binding is the container a job runs in. Exactly one of release, discard
// or teardown applies to it when the job ends.
type binding struct {
	jobID     string
	language  string
	dir       string
	container string
	ephemeral bool
	started   bool
	// tainted marks a pooled container that may still run a killed
	// process, so it must not be reused.
	tainted bool
}

// Run executes one job. The returned error is a *errors.Error whose code
// classifies the failure; compile and runtime errors of the submitted code
// are not errors and come back in Outcome.Error.
func (e *Engine) Run(ctx context.Context, job Job) (*Outcome, error) {
	if err := internal.ValidateSubmission(e.table, job.Language, job.Code, e.cfg.MaxCodeLength); err != nil {
		return nil, err
	}
	start := time.Now()

	sourceFile, err := e.table.SourceFile(job.Language)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.LanguageNotSupported)
	}
	ws, err := e.stager.Create(sourceFile, job.Code)
	if err != nil {
		return nil, e.record(job.Language, start, nil, appErr.Wrapf(err, appErr.InfrastructureError, "failed to stage code: %v", err))
	}
	b := &binding{jobID: ws.JobID, language: job.Language, dir: ws.Dir}

	log := e.logger.WithFields(logrus.Fields{"job_id": b.jobID, "language": b.language})

	cmds, err := e.table.CommandsFor(job.Language, ws.JobID)
	if err != nil {
		e.finish(b)
		return nil, e.record(job.Language, start, nil, tagJob(appErr.Wrap(err, appErr.LanguageNotSupported), b.jobID))
	}

	if err := e.bind(ctx, b); err != nil {
		log.WithError(err).Error("Failed to bind container")
		e.finish(b)
		return nil, e.record(job.Language, start, nil, tagJob(err, b.jobID))
	}
	log.WithFields(logrus.Fields{"container": b.container, "ephemeral": b.ephemeral}).Debug("Container bound")

	outcome, err := e.run(ctx, b, job, cmds)
	done := e.finish(b)
	if err != nil {
		return nil, e.record(job.Language, start, nil, tagJob(err, b.jobID))
	}
	outcome.CleanupDone = done
	e.record(job.Language, start, outcome, nil)
	return outcome, nil
}

// bind prefers an idle pooled container and falls back to an ephemeral
// one with the job directory mounted.
func (e *Engine) bind(ctx context.Context, b *binding) error {
	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(b.language, "bind").Observe(float64(time.Since(start).Milliseconds()))
	}()

	if name, ok := e.pool.Acquire(b.language); ok {
		b.container = name
		res, err := e.runner.Run(ctx, e.cli.Copy(b.dir, name))
		if err != nil || !res.Success() {
			b.tainted = true
			return appErr.Wrapf(commandError(res, err), appErr.ContainerCopyFail, "failed to copy code file to container: %s", failureText(res, err))
		}
		return nil
	}

	b.container = fmt.Sprintf("codexx-runner-%s-%s", b.language, b.jobID)
	b.ephemeral = true
	res, err := e.runner.Run(ctx, e.cli.Start(b.container, b.language, b.dir))
	if err != nil || !res.Success() {
		metrics.ContainerStarts.WithLabelValues(b.language, "ephemeral", "failure").Inc()
		return appErr.Wrapf(commandError(res, err), appErr.ContainerStartFail, "failed to start container: %s", failureText(res, err))
	}
	metrics.ContainerStarts.WithLabelValues(b.language, "ephemeral", "success").Inc()
	b.started = true
	return nil
}

func (e *Engine) run(ctx context.Context, b *binding, job Job, cmds lang.Commands) (*Outcome, error) {
	outcome := &Outcome{
		JobID:    b.jobID,
		Language: b.language,
		Info:     e.info.Get(b.language),
	}

	if cmds.Compile != nil {
		compiled, err := e.compile(ctx, b, cmds.Compile)
		if err != nil {
			return nil, err
		}
		if compiled.errText != "" {
			outcome.Error = compiled.errText
			outcome.Truncated = compiled.truncated
			return outcome, nil
		}
	}

	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(b.language, "execute").Observe(float64(time.Since(start).Milliseconds()))
	}()

	if len(job.Tests) == 0 {
		ex, err := e.execute(ctx, b, cmds.Execute, job.Input)
		if err != nil {
			return nil, err
		}
		outcome.Output = &ex.stdout
		outcome.Error = ex.errText
		outcome.Truncated = ex.truncated
		return outcome, nil
	}

	outcome.TestResults = make([]TestResult, 0, len(job.Tests))
	for _, tc := range job.Tests {
		ex, err := e.execute(ctx, b, cmds.Execute, tc.Input)
		if err != nil {
			return nil, err
		}
		outcome.Truncated = outcome.Truncated || ex.truncated
		if ex.errText != "" {
			// A crashing case stops the run; later cases never execute.
			outcome.Error = ex.errText
			break
		}
		got := Normalize(ex.stdout)
		result := TestResult{Output: got, Passed: true}
		if tc.Output != nil {
			result.Passed = got == Normalize(*tc.Output)
		}
		outcome.TestResults = append(outcome.TestResults, result)
	}
	return outcome, nil
}

// compile returns the compiler's error text when compilation fails.
func (e *Engine) compile(ctx context.Context, b *binding, argv []string) (execution, error) {
	start := time.Now()
	defer func() {
		metrics.PhaseDuration.WithLabelValues(b.language, "compile").Observe(float64(time.Since(start).Milliseconds()))
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	cmd := e.cli.Exec(b.container, argv, nil, nil)
	cmd.MaxStderr = e.cfg.MaxOutputBytes
	res, err := e.runner.Run(runCtx, cmd)
	if err != nil {
		return execution{}, appErr.Wrapf(err, appErr.InfrastructureError, "failed to run compiler: %v", err)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		b.tainted = true
		return execution{}, e.timeoutError()
	}
	if res.Success() {
		return execution{}, nil
	}
	if strings.TrimSpace(res.Stderr) == "" {
		return execution{errText: fmt.Sprintf("Compilation failed with exit code %d", res.ExitCode)}, nil
	}
	return execution{errText: res.Stderr, truncated: res.StderrTruncated}, nil
}

type execution struct {
	stdout    string
	errText   string
	truncated bool
}

// execute runs the program once with input on stdin. Each call gets the
// full job timeout.
func (e *Engine) execute(ctx context.Context, b *binding, argv []string, input string) (execution, error) {
	stdin := input
	if stdin != "" {
		stdin += "\n"
	}
	stdout := newCappedBuffer(e.cfg.MaxOutputBytes)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	cmd := e.cli.Exec(b.container, argv, strings.NewReader(stdin), stdout)
	cmd.MaxStderr = e.cfg.MaxOutputBytes
	res, err := e.runner.Run(runCtx, cmd)
	if err != nil {
		return execution{}, appErr.Wrapf(err, appErr.InfrastructureError, "failed to run code in container: %v", err)
	}
	if runCtx.Err() == context.DeadlineExceeded {
		b.tainted = true
		return execution{}, e.timeoutError()
	}

	ex := execution{stdout: stdout.String(), truncated: stdout.Truncated() || res.StderrTruncated}
	if !res.Success() {
		ex.errText = res.Stderr
		if ex.errText == "" {
			ex.errText = fmt.Sprintf("Process exited with code %d", res.ExitCode)
		}
	}
	return ex, nil
}

func (e *Engine) timeoutError() error {
	return appErr.Newf(appErr.TimeLimitExceeded,
		"Timed Out. Your code took too long to execute, over %d seconds.", int(e.cfg.JobTimeout.Seconds()))
}

// finish schedules cleanup. Every bound container is torn down, discarded
// or released, and the staged directory is always removed.
func (e *Engine) finish(b *binding) <-chan struct{} {
	return e.cleanup.Go(b.jobID, b.language, func(ctx context.Context) error {
		var err error
		switch {
		case b.container == "":
		case b.ephemeral:
			err = multierr.Append(err, e.teardown(ctx, b))
		case b.tainted:
			err = multierr.Append(err, e.pool.Discard(ctx, b.language, b.container))
		default:
			err = multierr.Append(err, e.pool.Release(ctx, b.language, b.container))
		}
		return multierr.Append(err, e.stager.Remove(b.jobID))
	})
}

// teardown stops and force-removes an ephemeral container. A container
// whose start failed may still exist in created state, so rm -f runs
// regardless.
func (e *Engine) teardown(ctx context.Context, b *binding) error {
	var err error
	if b.started {
		res, runErr := e.runner.Run(ctx, e.cli.Stop(b.container))
		if runErr != nil || !res.Success() {
			err = multierr.Append(err, fmt.Errorf("stop %s: %s", b.container, failureText(res, runErr)))
		}
	}
	res, runErr := e.runner.Run(ctx, e.cli.Remove(b.container))
	if runErr != nil || !res.Success() {
		err = multierr.Append(err, fmt.Errorf("rm %s: %s", b.container, failureText(res, runErr)))
	}
	return err
}

func (e *Engine) record(language string, start time.Time, outcome *Outcome, err error) error {
	kind := "success"
	switch {
	case err != nil:
		switch code := appErr.GetCode(err); {
		case code == appErr.TimeLimitExceeded:
			kind = "timeout"
		case code.IsInfrastructure():
			kind = "infrastructure"
		default:
			kind = "rejected"
		}
	case outcome != nil:
		kind = outcome.Kind()
	}
	metrics.JobsTotal.WithLabelValues(language, kind).Inc()
	metrics.PhaseDuration.WithLabelValues(language, "total").Observe(float64(time.Since(start).Milliseconds()))
	return err
}

// tagJob records the job ID on a coded error for incident reporting.
func tagJob(err error, jobID string) error {
	var e *appErr.Error
	if errors.As(err, &e) {
		e.WithDetail("job_id", jobID)
	}
	return err
}

func failureText(res ProcessResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}

func commandError(res ProcessResult, err error) error {
	if err != nil {
		return err
	}
	return errors.New(failureText(res, nil))
}
