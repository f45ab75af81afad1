package plumb

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// running tracks every forked child by pid, so that the package-level
// Reap can update the right Stage when it reaps on the owner's
// behalf, and so Wait/Reap never race each other into double-closing
// a stage's completion channel.
var (
	runningMu sync.Mutex
	running   = map[int]*Stage{}
)

func registerRunning(s *Stage) {
	runningMu.Lock()
	running[s.pid] = s
	runningMu.Unlock()
}

func unregisterRunning(pid int) {
	runningMu.Lock()
	delete(running, pid)
	runningMu.Unlock()
}

// Execute walks to the true head of s's pipeline (following Input
// edges) and starts every stage reachable from there via Output and
// Stderr edges, recursively, so that a single call anywhere in a
// connected graph brings the whole graph to life. It does not wait
// for anything to finish; use Wait or Ensure for that.
func (s *Stage) Execute(ctx context.Context) error {
	return s.head().executeChain(ctx)
}

func (s *Stage) head() *Stage {
	cur := s
	for {
		p := cur.InputPeer()
		if p == nil {
			return cur
		}
		cur = p
	}
}

// executeChain starts s (if it isn't already running) and then
// cascades into its output and stderr peers. Per spec §9's resolution
// of the stderr Open Question, stderr forms its own auto-cascading
// mini-pipeline exactly like stdout, so the two downstream branches
// are independent of one another and are started concurrently.
func (s *Stage) executeChain(ctx context.Context) error {
	if !s.isTerminal() {
		if err := s.start(ctx); err != nil {
			return err
		}
	}

	var g errgroup.Group
	if out := s.OutputPeer(); out != nil && !out.isTerminal() {
		g.Go(func() error { return out.executeChain(ctx) })
	}
	if errp := s.StderrPeer(); errp != nil && !errp.isTerminal() {
		g.Go(func() error { return errp.executeChain(ctx) })
	}
	return g.Wait()
}

// Ensure executes the whole pipeline s participates in, then waits
// for s specifically to finish. Bucket.Contents and Bucket.GetLine
// call this so that reading a filling bucket's contents implies
// running its upstream first.
func (s *Stage) Ensure(ctx context.Context) error {
	if err := s.Execute(ctx); err != nil {
		return err
	}
	return s.Wait()
}

// Wait blocks until s and every stage reachable from it (walking both
// InputPeer and OutputPeer/StderrPeer) reach a terminal status, so
// that no stage in the connected chain is left Running once Wait
// returns for any one of them (spec §8). It returns s's own error, if
// any; a failure elsewhere in the chain is still observable via that
// stage's own Error/RC after Wait returns.
func (s *Stage) Wait() error {
	visited := map[*Stage]bool{}
	var walk func(*Stage)
	walk = func(cur *Stage) {
		if cur == nil || visited[cur] {
			return
		}
		visited[cur] = true
		<-cur.doneCh
		walk(cur.InputPeer())
		walk(cur.OutputPeer())
		walk(cur.StderrPeer())
	}
	walk(s)
	return s.Error()
}

// start dispatches to the kind-specific startup logic. It is a no-op
// if the stage is already running, done, or lost.
func (s *Stage) start(ctx context.Context) error {
	if s.isTerminal() {
		return nil
	}
	s.applyDefaults()
	// A default input Plug is linked only now, after Execute has picked
	// the head of the chain, so nothing else would start it.
	if in := s.InputPeer(); in != nil && in.kind == KindPlug && !in.isTerminal() {
		if err := in.start(ctx); err != nil {
			return err
		}
	}

	switch s.kind {
	case KindExternalProgram:
		return s.startExternal(ctx)
	case KindInProcessCode:
		return s.startInProcess(ctx)
	case KindBucket:
		return s.startBucket(ctx)
	case KindHose:
		s.setStatus(StatusRunning)
		return nil
	default: // Plug, Vent, PRNG
		s.setStatus(StatusDone)
		closeDoneOnce(s)
		return nil
	}
}

func closeDoneOnce(s *Stage) {
	select {
	case <-s.doneCh:
	default:
		close(s.doneCh)
	}
}

func (s *Stage) startBucket(ctx context.Context) error {
	s.mu.Lock()
	dir := s.bucketBoundDir
	s.mu.Unlock()

	if dir == nil {
		s.setStatus(StatusDone)
		closeDoneOnce(s)
		return nil
	}

	switch *dir {
	case SlotOutput: // pouring: the bucket is the source.
		f, err := s.materializeSlot(ctx, SlotOutput)
		if err != nil {
			return err
		}
		s.setStatus(StatusRunning)
		go s.pourBucket(f)
	case SlotInput: // filling: the bucket is the sink.
		f, err := s.materializeSlot(ctx, SlotInput)
		if err != nil {
			return err
		}
		s.setStatus(StatusRunning)
		go s.fillBucket(f)
	}
	return nil
}

func (s *Stage) startExternal(ctx context.Context) error {
	stdin, err := s.materializeSlot(ctx, SlotInput)
	if err != nil {
		return err
	}
	stdout, err := s.materializeSlot(ctx, SlotOutput)
	if err != nil {
		return err
	}
	stderr, err := s.materializeSlot(ctx, SlotStderr)
	if err != nil {
		return err
	}

	cmd := exec.Command(s.program, s.args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if s.cwd != "" {
		cmd.Dir = s.cwd
	}
	if s.env != nil {
		env := make([]string, 0, len(s.env))
		for k, v := range s.env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if s.preForkHook != nil {
		s.preForkHook(s)
	}

	traceFork(s.Name(), "forking")
	if err := cmd.Start(); err != nil {
		s.setStatus(StatusError)
		return resourceErrorf(s.Name(), "starting %s: %w", s.program, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.status = StatusRunning
	s.mu.Unlock()

	// exec.Cmd.Start already does the fork+exec; this is the closest
	// idiomatic place left for a "runs in the child right before its
	// real work begins" hook, since Go cannot inject code between a
	// vfork and its exec. See DESIGN.md.
	if s.preExecHook != nil {
		s.preExecHook(s)
	}

	if s.isolation != nil {
		if err := s.isolation.Setup(ctx, uint64(s.pid)); err != nil {
			emit(s.Name(), "isolation setup failed", err)
		}
	}

	registerRunning(s)
	s.closeParentEnds()

	go s.reapLoop(ctx)
	if s.memoryLimitBytes > 0 || s.memoryObserve {
		go s.watchMemory(ctx)
	}

	return nil
}

func (s *Stage) startInProcess(ctx context.Context) error {
	stdin, err := s.materializeSlot(ctx, SlotInput)
	if err != nil {
		return err
	}
	stdout, err := s.materializeSlot(ctx, SlotOutput)
	if err != nil {
		return err
	}
	// Code has no stderr parameter (spec §4.2); still resolve a
	// linked stderr edge so a downstream peer doesn't block forever
	// waiting for a write end that will never be opened.
	if _, err := s.materializeSlot(ctx, SlotStderr); err != nil {
		return err
	}

	s.mu.Lock()
	s.pid = os.Getpid()
	s.status = StatusRunning
	s.mu.Unlock()

	if s.preExecHook != nil {
		s.preExecHook(s)
	}

	code := s.code
	handler := s.panicHandler
	go func() {
		err := runCode(code, handler, ctx, s, stdin, stdout)
		stdout.Close()

		s.mu.Lock()
		if _, ok := err.(*FatalError); ok {
			s.waitSt = syscall.WaitStatus(1 << 8)
		} else {
			s.waitSt = syscall.WaitStatus(0)
		}
		s.haveRC = true
		s.status = StatusDone
		s.mu.Unlock()

		closeDoneOnce(s)
	}()

	return nil
}

// runCode invokes an in-process stage's Code callable, recovering a
// panic when a panic handler was installed with WithPanicHandler; a
// non-nil error from the handler becomes a Fatal error. Without a
// handler, a panic propagates and crashes the host process, same as
// an unhandled panic anywhere else.
func runCode(code Code, handler func(any) error, ctx context.Context, self *Stage, stdin *os.File, stdout *os.File) (err error) {
	if handler != nil {
		defer func() {
			if p := recover(); p != nil {
				if herr := handler(p); herr != nil {
					err = Fatal(herr)
				}
			}
		}()
	}
	return code(ctx, self, stdin, stdout)
}

// reapLoop blocks in a real waitpid(2) for s's child, then records
// its exit status. If some other caller (our own Reap, or code
// outside this package) reaps the pid first, Wait4 here returns
// ECHILD; reapLoop checks whether the status was already recorded
// before treating that as a Lost child.
func (s *Stage) reapLoop(ctx context.Context) {
	var ws syscall.WaitStatus
	_, err := syscall.Wait4(s.pid, &ws, 0, nil)

	s.mu.Lock()
	if s.status == StatusDone || s.status == StatusLost {
		s.mu.Unlock()
		if s.isolation != nil {
			_ = s.isolation.Teardown(ctx)
		}
		return
	}
	if err != nil {
		s.lostErr = err
		s.status = StatusLost
	} else {
		s.waitSt = ws
		s.haveRC = true
		s.status = StatusDone
	}
	s.mu.Unlock()

	unregisterRunning(s.pid)
	if s.isolation != nil {
		_ = s.isolation.Teardown(ctx)
	}
	closeDoneOnce(s)
}

// Reap performs up to max non-blocking waitpid(2) calls (WNOHANG),
// reaping any exited child of this process and updating the Stage of
// each one found in the running table. A max of 0 or less means "reap
// everything currently reapable". It returns the number of children
// reaped. Call it periodically from a host process that forks many
// stages, so exited children don't accumulate as zombies while their
// owning Stage.Wait is never called.
func Reap(max int) (int, error) {
	n := 0
	for max <= 0 || n < max {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if err == syscall.ECHILD {
				return n, nil
			}
			return n, err
		}
		if pid <= 0 {
			return n, nil
		}
		n++

		runningMu.Lock()
		st, tracked := running[pid]
		delete(running, pid)
		runningMu.Unlock()

		if !tracked {
			continue
		}

		st.mu.Lock()
		alreadyDone := st.status == StatusDone || st.status == StatusLost
		if !alreadyDone {
			st.waitSt = ws
			st.haveRC = true
			st.status = StatusDone
		}
		st.mu.Unlock()
		if !alreadyDone {
			closeDoneOnce(st)
		}
	}
	return n, nil
}

// Signal delivers sig to a running stage's process. It is an error to
// signal a stage that isn't currently running (a fitting, in-process
// code, or one that hasn't started / has already finished).
func (s *Stage) Signal(sig os.Signal) error {
	s.mu.Lock()
	pid := s.pid
	st := s.status
	s.mu.Unlock()

	if st != StatusRunning || pid == 0 || s.kind != KindExternalProgram {
		return configErrorf(s.Name(), "cannot signal a stage that is not a running external program")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return resourceErrorf(s.Name(), "finding process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}
