package plumb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// defaultPRNGSource is the entropy device read by a source-bound
// PRNG fitting.
const defaultPRNGSource = "/dev/urandom"

// WarnFunc is called when a filling Bucket's CollectMax truncates its
// upstream. The default forwards to the package event handler (see
// WithEventHandler); hosts that want truncation warnings routed
// somewhere else can replace it. Independently of WarnFunc, the same
// message is traced to the zerolog debug sink when IO_PLUMBING_DEBUG
// is set.
var WarnFunc = func(stage, msg string) { emit(stage, msg, nil) }

// NewPlug returns a Plug fitting: an always-empty source when bound
// as input to a peer, or an always-full sink (every write fails)
// when bound as output/stderr to a peer.
func NewPlug() *Stage { return New(KindPlug) }

// NewVent returns a Vent fitting: an unending stream of NUL bytes
// when bound as a source, or a silent discard when bound as a sink.
func NewVent() *Stage { return New(KindVent) }

// NewBucket returns a Bucket fitting: an in-memory buffer that acts
// as a source ("pouring") if later bound via Input, or a sink
// ("filling") if bound via Output/Stderr.
func NewBucket() *Stage { return New(KindBucket) }

// NewBucketWithContents returns a pouring Bucket pre-loaded with
// data, ready to be used as another stage's Input.
func NewBucketWithContents(data string) *Stage {
	s := New(KindBucket)
	s.bucketBuf.WriteString(data)
	return s
}

// NewHose returns a Hose fitting: a pipe with one end exposed to the
// caller (via Handle/Print/ReadLine/Close) and the other available to
// whichever peer it is linked to.
func NewHose() (*Stage, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, resourceErrorf("hose", "creating hose pipe: %w", err)
	}
	s := New(KindHose)
	s.pipeR = r
	s.pipeW = w
	return s, nil
}

// NewPRNG returns a PRNG fitting: an entropy source when bound as
// input to a peer, or (bound the other way) a sink that pipes
// whatever it receives into an encryption command (gpg by default).
func NewPRNG() *Stage {
	s := New(KindPRNG)
	s.prngSinkProg = "gpg"
	s.prngSinkArgs = []string{"--encrypt", "--default-recipient-self"}
	return s
}

// WithPRNGSinkCommand overrides the command a sink-bound PRNG pipes
// into; the default is `gpg --encrypt --default-recipient-self`.
func WithPRNGSinkCommand(prog string, args ...string) Option {
	return func(s *Stage) {
		s.prngSinkProg = prog
		s.prngSinkArgs = args
	}
}

// hasReadyFD reports whether this stage (as a linking peer) can
// supply an already-open descriptor for direction dir without the
// plumbing protocol needing to create a fresh OS pipe.
func (s *Stage) hasReadyFD(dir SlotIndex) bool {
	switch s.kind {
	case KindPlug, KindVent, KindHose, KindPRNG:
		return true
	default:
		return false
	}
}

// readyFD returns a descriptor, owned by the caller, to be handed to
// the stage linking to us. dir is the slot of ours the edge landed
// on: SlotOutput means we are being read from (we act as a source),
// SlotInput means we are being written to (we act as a sink) — the
// same convention an ordinary Stage's own stdout/stdin would follow.
func (s *Stage) readyFD(ctx context.Context, dir SlotIndex) (*os.File, error) {
	switch s.kind {
	case KindPlug:
		if dir == SlotOutput {
			return os.Open(os.DevNull)
		}
		f, err := os.OpenFile("/dev/full", os.O_WRONLY, 0)
		if err != nil {
			// /dev/full is Linux-specific; where it cannot be
			// opened, using a Plug as a sink fails with a
			// resource error.
			return nil, resourceErrorf(s.Name(), "opening full device: %w", err)
		}
		return f, nil

	case KindVent:
		if dir == SlotOutput {
			return os.Open("/dev/zero")
		}
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)

	case KindHose:
		return s.hosePeer, nil

	case KindPRNG:
		if dir == SlotOutput {
			return os.Open(defaultPRNGSource)
		}
		return s.ensurePRNGSink(ctx)

	default:
		return nil, fmt.Errorf("%s has no ready descriptor", s.kind)
	}
}

// ensurePRNGSink lazily starts the nested encryption command a
// sink-bound PRNG delegates to, and returns the write end of the
// pipe feeding its stdin.
func (s *Stage) ensurePRNGSink(ctx context.Context) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prngSink != nil {
		return s.prngSinkWrite, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, resourceErrorf(s.Name(), "creating prng sink pipe: %w", err)
	}

	nested := NewExternalProgram(s.prngSinkProg, s.prngSinkArgs...)
	nested.fds[SlotInput.childFD()] = pr
	nested.closeOnExecInParent[SlotInput.childFD()] = true
	_ = nested.linkStage(SlotOutput, NewBucket(), SlotInput)
	nested.slots[SlotStderr].literalHandle = os.Stderr

	if err := nested.start(ctx); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	s.prngSink = nested
	s.prngSinkWrite = pw
	return pw, nil
}

// --- Bucket ---

// SetCollectMax caps how many bytes a filling Bucket will spool from
// its upstream before truncating and closing the pipe. Zero (the
// default) means unlimited.
func (s *Stage) SetCollectMax(n int) { s.bucketMax = n }

// Contents returns everything a filling Bucket has collected so far,
// forcing execution (and waiting) of the whole upstream chain first.
func (s *Stage) Contents(ctx context.Context) (string, error) {
	if err := s.Ensure(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketBuf.String(), nil
}

// Truncated reports whether a filling Bucket's CollectMax cap was
// exceeded, discarding the excess.
func (s *Stage) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucketTruncated
}

// GetLine returns the next line (including its trailing newline, if
// any) collected by a filling Bucket, or io.EOF once the upstream
// chain has closed and all collected bytes have been consumed. It
// forces execution of the upstream chain on first use.
func (s *Stage) GetLine(ctx context.Context) (string, error) {
	if err := s.Ensure(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketLineR == nil {
		s.bucketLineR = bufio.NewReader(bytes.NewReader(s.bucketBuf.Bytes()))
	}
	line, err := s.bucketLineR.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	if line == "" && err == io.EOF {
		return "", io.EOF
	}
	return line, nil
}

// pourBucket writes a pouring bucket's contents into the pipe end it
// was given, then closes it. Run in a goroutine from start().
func (s *Stage) pourBucket(w *os.File) {
	_, err := w.Write(s.bucketBuf.Bytes())
	w.Close()
	s.mu.Lock()
	if err != nil {
		s.lostErr = err
	}
	s.status = StatusDone
	s.haveRC = true
	s.mu.Unlock()
	close(s.doneCh)
}

// fillBucket reads from the pipe end it was given into its buffer,
// honoring collectMax, then closes it. Run in a goroutine from
// start().
func (s *Stage) fillBucket(r *os.File) {
	defer r.Close()
	defer close(s.doneCh)

	max := s.bucketMax
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if max > 0 && s.bucketBuf.Len()+n > max {
				room := max - s.bucketBuf.Len()
				if room > 0 {
					s.bucketBuf.Write(buf[:room])
				}
				if !s.bucketTruncated {
					s.bucketTruncated = true
					upstream := "?"
					if p := s.InputPeer(); p != nil {
						upstream = p.Name()
					}
					msg := fmt.Sprintf("bucket(filling): not spooling more than %d bytes from `%s`", max, upstream)
					WarnFunc(s.Name(), msg)
					traceFork(s.Name(), msg)
				}
				s.mu.Unlock()
				break
			}
			s.bucketBuf.Write(buf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.status = StatusDone
	s.haveRC = true
	s.mu.Unlock()
}

// --- Hose ---

// Handle returns the raw *os.File the caller uses to talk to a Hose:
// the write end if it is gushing (linked via a peer's Input), the
// read end if it is sucking (linked via a peer's Output/Stderr).
func (s *Stage) Handle() *os.File { return s.hoseUser }

// Print writes str to a Hose's user-facing handle.
func (s *Stage) Print(str string) error {
	_, err := s.hoseUser.WriteString(str)
	return err
}

// ReadLine reads a single line (including its trailing newline) from
// a Hose's user-facing handle. Named distinctly from Bucket.GetLine
// because Go has no overloading and the two have different
// signatures (a Hose read never needs to trigger execution: the user
// holds the live end of the pipe already).
func (s *Stage) ReadLine() (string, error) {
	if s.hoseLineR == nil {
		s.hoseLineR = bufio.NewReader(s.hoseUser)
	}
	return s.hoseLineR.ReadString('\n')
}

// Close closes a Hose's user-facing handle, signalling EOF (if
// gushing) or giving up on any further reads (if sucking).
func (s *Stage) Close() error {
	s.mu.Lock()
	already := s.status == StatusDone
	s.status = StatusDone
	s.mu.Unlock()
	if !already {
		close(s.doneCh)
	}
	return s.hoseUser.Close()
}
