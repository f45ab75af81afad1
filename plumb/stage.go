package plumb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"weak"
)

// Kind identifies what a Stage does when it is executed.
type Kind int

const (
	// KindExternalProgram execs program/args as a child process.
	KindExternalProgram Kind = iota
	// KindInProcessCode runs a Code callable instead of exec'ing.
	KindInProcessCode
	// KindPlug is an always-empty source / always-full sink.
	KindPlug
	// KindVent is a NUL-byte source / discarding sink.
	KindVent
	// KindBucket is an in-memory buffer, source or sink depending
	// on which of its slots is bound first.
	KindBucket
	// KindHose exposes a raw file handle to the user on one side
	// of a pipe.
	KindHose
	// KindPRNG is an entropy source, or (bound the other way) an
	// encryption sink.
	KindPRNG
)

func (k Kind) String() string {
	switch k {
	case KindExternalProgram:
		return "external-program"
	case KindInProcessCode:
		return "in-process-code"
	case KindPlug:
		return "plug"
	case KindVent:
		return "vent"
	case KindBucket:
		return "bucket"
	case KindHose:
		return "hose"
	case KindPRNG:
		return "prng"
	default:
		return "unknown"
	}
}

// Status is a stage's position in its lifecycle.
type Status int

const (
	StatusError Status = iota
	StatusReady
	StatusRunning
	StatusDone
	StatusLost
)

func (st Status) String() string {
	switch st {
	case StatusError:
		return "error"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// SlotIndex names one of a stage's three edge slots, and doubles as
// the default child-fd shape: input binds to fd 0, output to fd 1,
// stderr to fd 2.
type SlotIndex int

const (
	SlotInput SlotIndex = iota
	SlotOutput
	SlotStderr
)

func (s SlotIndex) childFD() int { return int(s) }

func (s SlotIndex) opposite() SlotIndex {
	if s == SlotInput {
		return SlotOutput
	}
	return SlotInput
}

// Code is an in-process routine that runs as a pipeline stage
// in a goroutine instead of in an exec'd child process (Go cannot
// safely fork a running multi-threaded runtime). It receives the
// Stage it is running as, so it can report its own Pid/Name the way
// a forked child could. Returning a *FatalError sets the stage's
// reported exit status to non-zero; any other return value
// (including a plain error) is treated like the host harness calling
// exit(0), per the spec's "in-process code blocks ... exit(0)
// unconditionally" contract.
type Code func(ctx context.Context, self *Stage, stdin io.Reader, stdout io.Writer) error

// FatalError is how a Code callable signals failure; see Code.
type FatalError struct {
	Err error
}

func (f *FatalError) Error() string { return f.Err.Error() }
func (f *FatalError) Unwrap() error { return f.Err }

// Fatal wraps err as a *FatalError.
func Fatal(err error) error { return &FatalError{Err: err} }

type slot struct {
	forward         *Stage
	forwardPeerSlot SlotIndex
	back            weak.Pointer[Stage]

	// A slot may alternatively be bound directly to a file path or
	// an already-open handle, bypassing the peer-Stage machinery
	// entirely (spec §4.2: "input(peer | path | handle | callable)").
	literalPath   string
	literalHandle *os.File
}

// Stage is one node of a pipeline graph: an external command,
// in-process code, or one of the degenerate fittings (Plug, Vent,
// Bucket, Hose, PRNG). See the package doc and spec for the full
// data model.
type Stage struct {
	mu sync.Mutex

	kind    Kind
	program string
	args    []string
	code    Code
	env     map[string]string
	cwd     string

	slots [3]slot

	fds                 map[int]*os.File
	closeOnExecInParent map[int]bool

	status  Status
	pid     int
	waitSt  syscall.WaitStatus
	haveRC  bool
	lostErr error

	cmd    *exec.Cmd
	doneCh chan struct{}

	preForkHook   func(*Stage)
	preExecHook   func(*Stage)
	isolation     IsolationPolicy
	panicHandler  func(p any) error

	nameOverride string

	// Bucket state.
	bucketBuf       bytes.Buffer
	bucketMax       int
	bucketTruncated bool
	bucketLineR     *bufio.Reader
	bucketBoundDir  *SlotIndex

	// Hose state. pipeR/pipeW are the two ends of the pipe created
	// at construction; hoseUser/hosePeer are assigned once the
	// fitting's orientation is known (see bindFittingDirection).
	pipeR, pipeW *os.File
	hoseUser     *os.File
	hosePeer     *os.File
	hoseBoundDir *SlotIndex
	hoseLineR    *bufio.Reader

	// Plug/Vent orientation tracking (conflict detection).
	fittingBoundDir *SlotIndex

	// PRNG state.
	prngSinkProg  string
	prngSinkArgs  []string
	prngSink      *Stage
	prngSinkWrite *os.File

	// Memory watch state; see memorylimit.go.
	memoryLimitBytes uint64
	memoryObserve    bool
}

// New creates a stage of the given kind with the supplied Options
// applied. Most callers want one of the constructor shortcuts
// (NewExternalProgram, NewInProcessCode, NewPlug, ...) instead.
func New(kind Kind, opts ...Option) *Stage {
	s := &Stage{
		kind:                kind,
		fds:                 make(map[int]*os.File),
		closeOnExecInParent: make(map[int]bool),
		doneCh:              make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.recomputeStatus()
	return s
}

// NewExternalProgram creates a stage that execs program with args.
func NewExternalProgram(program string, args ...string) *Stage {
	return New(KindExternalProgram, WithProgram(program), WithArgs(args))
}

// NewCommandLine creates a stage from a single command-line string,
// tokenized with Unquote: the first word becomes the program, the
// rest become its args.
func NewCommandLine(line string) (*Stage, error) {
	words, err := Unquote(line)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, configErrorf("", "empty command line")
	}
	return NewExternalProgram(words[0], words[1:]...), nil
}

// NewInProcessCode creates a stage that runs code in a goroutine
// instead of exec'ing a program.
func NewInProcessCode(code Code) *Stage {
	return New(KindInProcessCode, WithCode(code))
}

func (s *Stage) recomputeStatus() {
	if s.status == StatusRunning || s.status == StatusDone || s.status == StatusLost {
		return
	}
	if s.configurationOK() {
		s.status = StatusReady
	} else {
		s.status = StatusError
	}
}

func (s *Stage) configurationOK() bool {
	switch s.kind {
	case KindExternalProgram:
		return s.program != ""
	case KindInProcessCode:
		return s.code != nil
	case KindPlug, KindVent, KindHose:
		return true
	case KindPRNG:
		return true
	case KindBucket:
		// A pouring (source) bucket needs contents to be Ready;
		// an unbound or filling bucket is always Ready (filling
		// happens at run time).
		if s.bucketBoundDir != nil && *s.bucketBoundDir == SlotOutput {
			return s.bucketBuf.Len() > 0
		}
		return true
	default:
		return false
	}
}

// Name returns a human-readable description: kind, command line, and
// pid if running.
func (s *Stage) Name() string {
	if s.nameOverride != "" {
		return s.nameOverride
	}
	var b strings.Builder
	switch s.kind {
	case KindExternalProgram:
		b.WriteString(s.program)
		for _, a := range s.args {
			b.WriteByte(' ')
			b.WriteString(a)
		}
	default:
		b.WriteString(s.kind.String())
	}
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid != 0 {
		fmt.Fprintf(&b, " [pid %d]", pid)
	}
	return b.String()
}

// SetName overrides the value returned by Name.
func (s *Stage) SetName(name string) { s.nameOverride = name }

func (s *Stage) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Stage) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Stage) Ready() bool   { return s.Status() == StatusReady }
func (s *Stage) Running() bool { return s.Status() == StatusRunning }
func (s *Stage) Done() bool    { return s.Status() == StatusDone }

func (s *Stage) isTerminal() bool {
	switch s.Status() {
	case StatusRunning, StatusDone, StatusLost:
		return true
	default:
		return false
	}
}

// PID returns the stage's process id, or 0 if it has none (not yet
// started, or a fitting). In-process code reports the host process's
// own pid, since Go cannot fork a running runtime.
func (s *Stage) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// RC returns the raw wait status captured when the child was reaped.
// The second return value is false if the stage hasn't been reaped
// yet.
func (s *Stage) RC() (syscall.WaitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitSt, s.haveRC
}

// Error returns a description of why the stage failed, or nil if it
// exited cleanly (or hasn't finished yet). It matches the POSIX
// W* macro semantics described in the spec: a low-byte signal
// portion is reported as "killed by signal N", otherwise a non-zero
// high byte is reported as "exited with error code K".
func (s *Stage) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorLocked()
}

func (s *Stage) errorLocked() error {
	if s.status == StatusLost {
		return s.lostErr
	}
	if !s.haveRC {
		return nil
	}
	if s.waitSt.Signaled() {
		return fmt.Errorf("killed by signal %d", s.waitSt.Signal())
	}
	if code := s.waitSt.ExitStatus(); code != 0 {
		return fmt.Errorf("exited with error code %d", code)
	}
	return nil
}

// ErrorMsg is Error().Error(), or "" if Error() is nil.
func (s *Stage) ErrorMsg() string {
	if err := s.Error(); err != nil {
		return err.Error()
	}
	return ""
}

// OK reports whether the stage has completed (or is still running)
// without a recorded failure. It does not itself trigger execution;
// call Ensure (or Wait) first if you need the answer to reflect a
// finished run.
func (s *Stage) OK() bool { return s.Error() == nil }

// SetCode changes the stage's in-process callable, possibly
// transitioning between StatusError and StatusReady.
func (s *Stage) SetCode(code Code) {
	s.code = code
	s.kind = KindInProcessCode
	s.recomputeStatus()
}

// SetProgram changes the external program to exec.
func (s *Stage) SetProgram(program string) {
	s.program = program
	s.kind = KindExternalProgram
	s.recomputeStatus()
}

// SetArgs replaces the argument list.
func (s *Stage) SetArgs(args []string) {
	s.args = args
	s.recomputeStatus()
}

// SetCwd sets the working directory the child will be started in.
func (s *Stage) SetCwd(cwd string) { s.cwd = cwd }

// SetEnv replaces the environment the child will see; a nil map
// means inherit the host's environment.
func (s *Stage) SetEnv(env map[string]string) { s.env = env }
