package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codexxengine/metrics"

	logrus "github.com/sirupsen/logrus"
)

const defaultCleanupTimeout = time.Minute

// CleanupTask releases whatever one job holds.
type CleanupTask func(ctx context.Context) error

// CleanupSupervisor runs cleanup tasks detached from the request that
// scheduled them. Failures and panics are logged, never returned.
type CleanupSupervisor struct {
	logger  *logrus.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewCleanupSupervisor(logger *logrus.Logger, timeout time.Duration) *CleanupSupervisor {
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	return &CleanupSupervisor{logger: logger, timeout: timeout}
}

// Go starts task in the background. The returned channel is closed when
// the task has finished.
func (s *CleanupSupervisor) Go(jobID, language string, task CleanupTask) <-chan struct{} {
	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				metrics.CleanupFailures.WithLabelValues("panic").Inc()
				s.logger.WithFields(logrus.Fields{"job_id": jobID, "panic": fmt.Sprint(r)}).Error("Cleanup panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		err := task(ctx)
		elapsed := time.Since(start)
		metrics.PhaseDuration.WithLabelValues(language, "cleanup").Observe(float64(elapsed.Milliseconds()))
		if err != nil {
			metrics.CleanupFailures.WithLabelValues("job").Inc()
			s.logger.WithFields(logrus.Fields{
				"job_id":   jobID,
				"language": language,
				"duration": elapsed,
			}).WithError(err).Error("Background cleanup failed")
			return
		}
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "duration": elapsed}).Debug("Cleaned up job")
	}()
	return done
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (s *CleanupSupervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
