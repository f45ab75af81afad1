package plumb

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/github/go-plumb/internal/ptree"
)

const memoryPollInterval = time.Second

// ErrMemoryLimitExceeded is the error recorded against a stage killed
// by WithMemoryLimit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// GetRSSAnon reads a running external-program stage's resident
// anonymous memory, summed over its whole process tree (not just the
// pid exec'd directly: a shell stage's own children count too). Only
// meaningful for KindExternalProgram stages with a live pid, and only
// on Linux.
func (s *Stage) GetRSSAnon(ctx context.Context) (uint64, error) {
	pid := s.PID()
	if pid == 0 {
		return 0, resourceErrorf(s.Name(), "no running process to read RSS from")
	}
	rss, err := ptree.GetProcessTreeRSSAnon(pid)
	if err != nil {
		return 0, resourceErrorf(s.Name(), "reading RSS for pid %d: %w", pid, err)
	}
	return rss, nil
}

// Kill sends SIGKILL to a running external-program stage and emits an
// Event carrying err as the reason.
// The stage's eventual Error() still reflects the ordinary "killed by
// signal" wait status; err is for the event log, not RC.
func (s *Stage) Kill(err error) {
	emit(s.Name(), "killing stage", err)
	_ = s.Signal(syscall.SIGKILL)
}

// WithMemoryLimit watches a forking stage's RSS and kills it with
// ErrMemoryLimitExceeded if it exceeds byteLimit. Only meaningful on
// KindExternalProgram stages.
func WithMemoryLimit(byteLimit uint64) Option {
	return func(s *Stage) { s.memoryLimitBytes = byteLimit }
}

// WithMemoryObserver watches a forking stage's RSS for its whole
// lifetime and emits a "peak memory usage" Event once it exits.
func WithMemoryObserver() Option {
	return func(s *Stage) { s.memoryObserve = true }
}

// watchMemory is launched by startExternal when either WithMemoryLimit
// or WithMemoryObserver was used. It stops as soon as s.doneCh closes.
func (s *Stage) watchMemory(ctx context.Context) {
	var maxRSS uint64
	var consecutiveErrors int

	t := time.NewTicker(memoryPollInterval)
	defer t.Stop()

	for {
		select {
		case <-s.doneCh:
			if s.memoryObserve {
				emit(s.Name(), "peak memory usage", nil)
			}
			return
		case <-ctx.Done():
			return
		case <-t.C:
			rss, err := s.GetRSSAnon(ctx)
			if err != nil {
				consecutiveErrors++
				if consecutiveErrors >= 2 {
					emit(s.Name(), "error getting RSS", err)
				}
				continue
			}
			consecutiveErrors = 0
			if rss > maxRSS {
				maxRSS = rss
			}
			if s.memoryLimitBytes > 0 && rss >= s.memoryLimitBytes {
				emit(s.Name(), "stage exceeded allowed memory use", ErrMemoryLimitExceeded)
				s.Kill(ErrMemoryLimitExceeded)
				return
			}
		}
	}
}
