package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codexxengine/metrics"

	logrus "github.com/sirupsen/logrus"
)

type ContainerState string

const (
	StateIdle      ContainerState = "idle"
	StateBusy      ContainerState = "busy"
	StateResetting ContainerState = "resetting"
)

var (
	ErrPoolClosed    = errors.New("container pool is closed")
	ErrNotPooled     = errors.New("container is not a member of the pool")
	ErrNotCheckedOut = errors.New("container is not checked out")
)

const defaultReplenishTimeout = 2 * time.Minute

// member tracks one pooled container for its whole life, idle or not.
type member struct {
	language string
	state    ContainerState
}

// PoolStats is a point-in-time view of one language's containers.
type PoolStats struct {
	Idle  int `json:"idle"`
	Total int `json:"total"`
}

// ContainerPool keeps pre-started containers per language. Idle
// containers form a stack, the most recently released is reused first.
type ContainerPool struct {
	runner ProcessRunner
	cli    RuntimeCLI
	logger *logrus.Logger

	mu      sync.Mutex
	idle    map[string][]string
	members map[string]*member
	closed  bool

	seq atomic.Uint64
	bg  sync.WaitGroup

	replenishTimeout time.Duration
}

func NewContainerPool(runner ProcessRunner, cli RuntimeCLI, logger *logrus.Logger) *ContainerPool {
	return &ContainerPool{
		runner:           runner,
		cli:              cli,
		logger:           logger,
		idle:             make(map[string][]string),
		members:          make(map[string]*member),
		replenishTimeout: defaultReplenishTimeout,
	}
}

// Initialize starts counts[language] containers per language concurrently
// and returns how many came up. Start failures are logged and skipped.
func (p *ContainerPool) Initialize(ctx context.Context, counts map[string]int) int {
	var (
		wg      sync.WaitGroup
		started atomic.Int64
	)
	for language, n := range counts {
		if n <= 0 {
			continue
		}
		p.logger.WithFields(logrus.Fields{"language": language, "count": n}).Info("Prewarming containers")
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(language string) {
				defer wg.Done()
				if _, err := p.startOne(ctx, language); err != nil {
					p.logger.WithError(err).WithField("language", language).Error("Failed to prewarm container")
					return
				}
				started.Add(1)
			}(language)
		}
	}
	wg.Wait()
	return int(started.Load())
}

func (p *ContainerPool) startOne(ctx context.Context, language string) (string, error) {
	name := fmt.Sprintf("codexx-prewarm-%s-%d", language, p.seq.Add(1))

	res, err := p.runner.Run(ctx, p.cli.Start(name, language, ""))
	if err != nil || !res.Success() {
		metrics.ContainerStarts.WithLabelValues(language, "pooled", "failure").Inc()
		// run -d can leave a created container behind when start fails.
		p.removeContainer(context.WithoutCancel(ctx), name)
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("failed to start container %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	metrics.ContainerStarts.WithLabelValues(language, "pooled", "success").Inc()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.removeContainer(context.WithoutCancel(ctx), name)
		return "", ErrPoolClosed
	}
	p.members[name] = &member{language: language, state: StateIdle}
	p.idle[language] = append(p.idle[language], name)
	p.observe(language)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"container": name, "language": language}).Info("Container added to pool")
	return name, nil
}

// Acquire pops an idle container for language. ok is false when none is
// idle, which is a normal condition under load.
func (p *ContainerPool) Acquire(language string) (name string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack := p.idle[language]
	if p.closed || len(stack) == 0 {
		metrics.PoolAcquireTotal.WithLabelValues(language, "miss").Inc()
		return "", false
	}
	name = stack[len(stack)-1]
	p.idle[language] = stack[:len(stack)-1]
	p.members[name].state = StateBusy
	p.observe(language)
	metrics.PoolAcquireTotal.WithLabelValues(language, "hit").Inc()
	return name, true
}

// Release empties the container's working directory and puts it back on
// the idle stack. A container whose reset fails is removed instead, and a
// replacement is started in the background.
func (p *ContainerPool) Release(ctx context.Context, language, name string) error {
	p.mu.Lock()
	m, err := p.checkedOut(language, name)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if p.closed {
		delete(p.members, name)
		p.mu.Unlock()
		p.removeContainer(ctx, name)
		return nil
	}
	m.state = StateResetting
	p.mu.Unlock()

	res, runErr := p.runner.Run(ctx, p.cli.ResetWorkDir(name))
	if runErr != nil || !res.Success() {
		p.logger.WithFields(logrus.Fields{
			"container": name,
			"language":  language,
			"exit_code": res.ExitCode,
			"stderr":    res.Stderr,
		}).WithError(runErr).Error("Working directory reset failed, dropping container")
		p.retire(ctx, language, name)
		if runErr != nil {
			return fmt.Errorf("reset %s: %w", name, runErr)
		}
		return fmt.Errorf("reset %s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}

	p.mu.Lock()
	if p.closed {
		delete(p.members, name)
		p.mu.Unlock()
		p.removeContainer(ctx, name)
		return nil
	}
	m.state = StateIdle
	p.idle[language] = append(p.idle[language], name)
	p.observe(language)
	p.mu.Unlock()
	return nil
}

// Discard removes a checked-out container that must not be reused, for
// example one that may still run a killed job's process, and starts a
// replacement.
func (p *ContainerPool) Discard(ctx context.Context, language, name string) error {
	p.mu.Lock()
	if _, err := p.checkedOut(language, name); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	p.retire(ctx, language, name)
	return nil
}

// checkedOut must be called with p.mu held.
func (p *ContainerPool) checkedOut(language, name string) (*member, error) {
	m, ok := p.members[name]
	if !ok || m.language != language {
		return nil, fmt.Errorf("%w: %s", ErrNotPooled, name)
	}
	if m.state != StateBusy {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCheckedOut, name, m.state)
	}
	return m, nil
}

func (p *ContainerPool) retire(ctx context.Context, language, name string) {
	p.mu.Lock()
	delete(p.members, name)
	closed := p.closed
	if !closed {
		p.bg.Add(1)
	}
	p.mu.Unlock()

	p.removeContainer(ctx, name)
	if closed {
		return
	}

	go func() {
		defer p.bg.Done()
		rctx, cancel := context.WithTimeout(context.Background(), p.replenishTimeout)
		defer cancel()
		if _, err := p.startOne(rctx, language); err != nil && !errors.Is(err, ErrPoolClosed) {
			p.logger.WithError(err).WithField("language", language).Error("Failed to replenish pool")
		}
	}()
}

// Drain force-removes every idle container and closes the pool. Calling
// it again, or concurrently, only removes what no earlier call took.
// Containers checked out during the drain are removed when released.
func (p *ContainerPool) Drain(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var names []string
	for language, stack := range p.idle {
		for _, name := range stack {
			delete(p.members, name)
			names = append(names, name)
		}
		p.idle[language] = nil
		p.observe(language)
	}
	p.mu.Unlock()

	if len(names) > 0 {
		p.logger.WithField("count", len(names)).Info("Draining container pool")
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.removeContainer(ctx, name)
		}(name)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.WithError(ctx.Err()).Warn("Pool drain stopped waiting for replenishment")
	}
}

func (p *ContainerPool) removeContainer(ctx context.Context, name string) {
	res, err := p.runner.Run(ctx, p.cli.Remove(name))
	if err != nil || !res.Success() {
		metrics.CleanupFailures.WithLabelValues("pool_remove").Inc()
		p.logger.WithFields(logrus.Fields{
			"container": name,
			"exit_code": res.ExitCode,
			"stderr":    res.Stderr,
		}).WithError(err).Warn("Failed to remove container")
		return
	}
	p.logger.WithField("container", name).Info("Container removed")
}

// observe must be called with p.mu held.
func (p *ContainerPool) observe(language string) {
	metrics.PoolIdle.WithLabelValues(language).Set(float64(len(p.idle[language])))
}

// Snapshot reports idle and total pooled containers per language.
func (p *ContainerPool) Snapshot() map[string]PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]PoolStats)
	for _, m := range p.members {
		s := out[m.language]
		s.Total++
		if m.state == StateIdle {
			s.Idle++
		}
		out[m.language] = s
	}
	return out
}

// Idle lists idle container names for language, most recent last.
func (p *ContainerPool) Idle(language string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.idle[language]...)
	return out
}
