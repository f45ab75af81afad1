package plumb

import (
	"os"
	"strings"
	"weak"
)

// Linkable is anything that Input, Output, and Stderr accept as a
// peer: another *Stage, a file path, an already-open *os.File, or an
// in-process Code callable (wrapped into a KindInProcessCode stage).
// A plain string is interpreted as a path, except for the "| cmd..."
// / "cmd... |" shortcuts described in the spec, which allocate a new
// KindExternalProgram stage from the embedded command line.
type Linkable any

// Input links this stage's input slot to v. See Linkable for the
// accepted types.
func (s *Stage) Input(v Linkable) error { return s.link(SlotInput, v) }

// Output links this stage's output slot to v.
func (s *Stage) Output(v Linkable) error { return s.link(SlotOutput, v) }

// Stderr links this stage's stderr slot to v. Per the spec's
// resolution of its stderr Open Question, linking stderr to a peer
// plumbs it exactly like an output edge: the peer's input receives
// this stage's stderr stream, and the peer is cascaded into
// execution alongside the main output chain.
func (s *Stage) Stderr(v Linkable) error { return s.link(SlotStderr, v) }

// InputPeer, OutputPeer and StderrPeer are the read side of Input,
// Output and Stderr: they return whichever stage is plumbed into
// this one at that slot, whether the edge was created by this
// stage's own Input/Output/Stderr call or by a peer linking to this
// stage. Named with a "Peer" suffix because Go has no overloading
// between a 0-arg getter and a setter of the same name.
func (s *Stage) InputPeer() *Stage  { return s.peerAt(SlotInput) }
func (s *Stage) OutputPeer() *Stage { return s.peerAt(SlotOutput) }
func (s *Stage) StderrPeer() *Stage { return s.peerAt(SlotStderr) }

func (s *Stage) peerAt(dir SlotIndex) *Stage {
	sl := &s.slots[dir]
	if sl.forward != nil {
		return sl.forward
	}
	return sl.back.Value()
}

// Terminus walks the output chain starting at s until it reaches a
// stage whose output slot is unset, and returns that stage.
func (s *Stage) Terminus() *Stage {
	cur := s
	for {
		next := cur.OutputPeer()
		if next == nil {
			return cur
		}
		cur = next
	}
}

func defaultPeerSlot(dir SlotIndex) SlotIndex {
	switch dir {
	case SlotInput:
		return SlotOutput
	case SlotOutput:
		return SlotInput
	default: // SlotStderr
		return SlotInput
	}
}

func (s *Stage) link(dir SlotIndex, v Linkable) error {
	switch val := v.(type) {
	case *Stage:
		return s.linkStage(dir, val, defaultPeerSlot(dir))

	case Code:
		return s.linkStage(dir, NewInProcessCode(val), defaultPeerSlot(dir))

	case *os.File:
		s.slots[dir].forward = nil
		s.slots[dir].literalHandle = val
		s.recomputeStatus()
		return nil

	case string:
		return s.linkString(dir, val)

	default:
		return configErrorf(s.Name(), "unsupported value of type %T for slot %v", v, dir)
	}
}

func (s *Stage) linkString(dir SlotIndex, val string) error {
	trimmed := strings.TrimSpace(val)

	if dir == SlotOutput && strings.HasPrefix(trimmed, "|") {
		peer, err := NewCommandLine(strings.TrimSpace(trimmed[1:]))
		if err != nil {
			return err
		}
		return s.linkStage(dir, peer, defaultPeerSlot(dir))
	}
	if dir == SlotInput && strings.HasSuffix(trimmed, "|") {
		peer, err := NewCommandLine(strings.TrimSpace(trimmed[:len(trimmed)-1]))
		if err != nil {
			return err
		}
		return s.linkStage(dir, peer, defaultPeerSlot(dir))
	}

	s.slots[dir].forward = nil
	s.slots[dir].literalPath = val
	s.recomputeStatus()
	return nil
}

func (s *Stage) linkStage(dir SlotIndex, peer *Stage, peerSlot SlotIndex) error {
	if s.isFitting() && dir != SlotStderr {
		if err := s.bindFittingDirection(dir); err != nil {
			return err
		}
	}
	if peer.isFitting() {
		if err := peer.bindFittingDirection(peerSlot); err != nil {
			return err
		}
	}

	s.slots[dir].forward = peer
	s.slots[dir].forwardPeerSlot = peerSlot
	s.slots[dir].literalPath = ""
	s.slots[dir].literalHandle = nil

	peer.slots[peerSlot].back = weak.Make(s)

	s.recomputeStatus()
	peer.recomputeStatus()
	return nil
}

func (s *Stage) isFitting() bool {
	switch s.kind {
	case KindPlug, KindVent, KindBucket, KindHose, KindPRNG:
		return true
	default:
		return false
	}
}

// bindFittingDirection enforces spec invariant 3: a fitting may be
// actively bound in only one of its two directions at a time.
func (s *Stage) bindFittingDirection(dir SlotIndex) error {
	if s.fittingBoundDir != nil && *s.fittingBoundDir != dir {
		return configErrorf(s.Name(), "%s is already bound as %s; cannot also bind as %s",
			s.kind, slotRoleName(s.kind, *s.fittingBoundDir), slotRoleName(s.kind, dir))
	}
	d := dir
	s.fittingBoundDir = &d
	if s.kind == KindBucket {
		s.bucketBoundDir = &d
	}
	if s.kind == KindHose {
		s.hoseBoundDir = &d
		if dir == SlotOutput {
			// Gushing: the fitting is the peer's source. The user
			// writes, the peer reads.
			s.hoseUser, s.hosePeer = s.pipeW, s.pipeR
		} else {
			// Sucking: the fitting is the peer's sink. The peer
			// writes, the user reads.
			s.hoseUser, s.hosePeer = s.pipeR, s.pipeW
		}
	}
	return nil
}

func slotRoleName(kind Kind, dir SlotIndex) string {
	switch kind {
	case KindBucket:
		if dir == SlotInput {
			return "filling"
		}
		return "pouring"
	case KindHose:
		if dir == SlotOutput {
			return "gushing"
		}
		return "sucking"
	default:
		if dir == SlotInput {
			return "sink"
		}
		return "source"
	}
}

// applyDefaults fills in any slot left completely unset at execute
// time (spec §4.2 "Default edge bindings").
func (s *Stage) applyDefaults() {
	unset := func(dir SlotIndex) bool {
		sl := &s.slots[dir]
		return sl.forward == nil && sl.back.Value() == nil && sl.literalPath == "" && sl.literalHandle == nil
	}

	switch s.kind {
	case KindExternalProgram, KindInProcessCode:
		if unset(SlotInput) {
			_ = s.linkStage(SlotInput, NewPlug(), SlotOutput)
		}
		if unset(SlotOutput) {
			_ = s.linkStage(SlotOutput, NewBucket(), SlotInput)
		}
		if unset(SlotStderr) {
			s.slots[SlotStderr].literalHandle = os.Stderr
		}
	default:
		// Plug, Vent, Hose, Bucket and PRNG default every slot to
		// unset; their behavior when a slot is unused is simply
		// "not participating in this edge".
	}
}
