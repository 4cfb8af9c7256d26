package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/shlex"
	logrus "github.com/sirupsen/logrus"
)

type ReadinessState int

const (
	ReadinessUnknown ReadinessState = iota
	ReadinessReady
	ReadinessFailed
)

func (s ReadinessState) String() string {
	switch s {
	case ReadinessReady:
		return "ready"
	case ReadinessFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrStartupCommandFailed = errors.New("failed to start the container provider using the configured command, check that the command is correct")
	ErrRuntimeNotRunning    = errors.New("container provider is not running and no startup command is configured, start it manually and restart the service")
)

type SupervisorConfig struct {
	StartupCommand string
	ProbeTimeout   time.Duration
	StartupTimeout time.Duration
	SettleDelay    time.Duration
}

// ReadinessSupervisor makes sure the container runtime answers before
// the service accepts work.
type ReadinessSupervisor struct {
	runner ProcessRunner
	cli    RuntimeCLI
	cfg    SupervisorConfig
	logger *logrus.Logger
	state  ReadinessState

	// after is swapped in tests to skip the settle delay.
	after func(time.Duration) <-chan time.Time
}

func NewReadinessSupervisor(runner ProcessRunner, cli RuntimeCLI, cfg SupervisorConfig, logger *logrus.Logger) *ReadinessSupervisor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &ReadinessSupervisor{
		runner: runner,
		cli:    cli,
		cfg:    cfg,
		logger: logger,
		after:  time.After,
	}
}

func (s *ReadinessSupervisor) State() ReadinessState {
	return s.state
}

// EnsureReady probes the runtime, tries the startup command once if one
// is configured, and probes again. The returned error is fatal.
func (s *ReadinessSupervisor) EnsureReady(ctx context.Context) error {
	if s.probe(ctx) {
		s.state = ReadinessReady
		s.logger.WithField("provider", s.cli.Binary).Info("Container provider is ready")
		return nil
	}

	if s.cfg.StartupCommand == "" {
		s.state = ReadinessFailed
		return ErrRuntimeNotRunning
	}

	if err := s.start(ctx); err != nil {
		s.logger.WithError(err).Error("Container provider startup command failed")
		s.state = ReadinessFailed
		return fmt.Errorf("%w: %v", ErrStartupCommandFailed, err)
	}

	select {
	case <-s.after(s.cfg.SettleDelay):
	case <-ctx.Done():
		s.state = ReadinessFailed
		return ctx.Err()
	}

	if s.probe(ctx) {
		s.state = ReadinessReady
		s.logger.WithField("provider", s.cli.Binary).Info("Container provider started successfully")
		return nil
	}
	s.state = ReadinessFailed
	return ErrStartupCommandFailed
}

func (s *ReadinessSupervisor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	res, err := s.runner.Run(probeCtx, s.cli.Info())
	if err != nil {
		s.logger.WithError(err).Warn("Container provider probe could not run")
		return false
	}
	if probeCtx.Err() != nil {
		s.logger.WithField("timeout", s.cfg.ProbeTimeout).Warn("Container provider probe timed out")
		return false
	}
	return res.Success()
}

func (s *ReadinessSupervisor) start(ctx context.Context) error {
	argv, err := shlex.Split(s.cfg.StartupCommand)
	if err != nil {
		return fmt.Errorf("parse startup command: %w", err)
	}
	if len(argv) == 0 {
		return errors.New("startup command is empty")
	}

	s.logger.WithField("command", s.cfg.StartupCommand).Info("Container provider not detected, attempting to start it")

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	res, err := s.runner.Run(startCtx, Command{Name: argv[0], Args: argv[1:]})
	if err != nil {
		return err
	}
	if startCtx.Err() != nil {
		return fmt.Errorf("startup command timed out after %s", s.cfg.StartupTimeout)
	}
	if !res.Success() {
		return fmt.Errorf("startup command exited with code %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
