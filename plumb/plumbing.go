package plumb

import (
	"context"
	"os"
)

// materializeSlot resolves slot dir into a live, ready-to-use
// descriptor, creating whatever OS-level pipe or file the edge needs
// on first use and caching the result in s.fds. It is safe to call
// from either side of an edge: whichever stage asks first drives the
// creation, and the other side's call is satisfied from the cache
// populated as a side effect.
func (s *Stage) materializeSlot(ctx context.Context, dir SlotIndex) (*os.File, error) {
	if f, ok := s.fds[dir.childFD()]; ok {
		return f, nil
	}

	sl := &s.slots[dir]

	switch {
	case sl.literalHandle != nil:
		s.fds[dir.childFD()] = sl.literalHandle
		traceFD(s.Name(), int(sl.literalHandle.Fd()), "bound literal handle")
		return sl.literalHandle, nil

	case sl.literalPath != "":
		var f *os.File
		var err error
		if dir == SlotInput {
			f, err = os.Open(sl.literalPath)
		} else {
			f, err = os.OpenFile(sl.literalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		}
		if err != nil {
			return nil, resourceErrorf(s.Name(), "opening %q: %w", sl.literalPath, err)
		}
		s.fds[dir.childFD()] = f
		s.closeOnExecInParent[dir.childFD()] = true
		traceFD(s.Name(), int(f.Fd()), "opened "+sl.literalPath)
		return f, nil

	case sl.forward != nil:
		return s.materializeAgainst(ctx, dir, sl.forward, sl.forwardPeerSlot)

	default:
		if back := sl.back.Value(); back != nil {
			for i := 0; i < 3; i++ {
				si := SlotIndex(i)
				if back.slots[si].forward == s && back.slots[si].forwardPeerSlot == dir {
					if back.hasReadyFD(si) {
						return s.materializeAgainst(ctx, dir, back, si)
					}
					if _, err := back.materializeSlot(ctx, si); err != nil {
						return nil, err
					}
					return s.fds[dir.childFD()], nil
				}
			}
		}
		return nil, nil
	}
}

// materializeAgainst resolves the edge from s's slot dir to peer's
// slot peerSlot. If peer can hand back an already-open descriptor
// without forking anything (a Plug, Vent, Hose or PRNG), that
// descriptor is used directly. Otherwise a fresh OS pipe is created,
// with s's end cached on s and peer's end cached on peer.
func (s *Stage) materializeAgainst(ctx context.Context, dir SlotIndex, peer *Stage, peerSlot SlotIndex) (*os.File, error) {
	if peer.hasReadyFD(peerSlot) {
		f, err := peer.readyFD(ctx, peerSlot)
		if err != nil {
			return nil, err
		}
		s.fds[dir.childFD()] = f
		s.closeOnExecInParent[dir.childFD()] = true
		traceFD(s.Name(), int(f.Fd()), "borrowed ready descriptor from "+peer.Name())
		return f, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, resourceErrorf(s.Name(), "creating pipe to %s: %w", peer.Name(), err)
	}

	var mine, theirs *os.File
	if dir == SlotOutput || dir == SlotStderr {
		mine, theirs = pw, pr
	} else {
		mine, theirs = pr, pw
	}

	s.fds[dir.childFD()] = mine
	s.closeOnExecInParent[dir.childFD()] = true
	peer.fds[peerSlot.childFD()] = theirs
	peer.closeOnExecInParent[peerSlot.childFD()] = true

	traceFD(s.Name(), int(mine.Fd()), "piped to "+peer.Name())
	traceFD(peer.Name(), int(theirs.Fd()), "piped from "+s.Name())

	return mine, nil
}

// closeParentEnds closes every descriptor this stage opened for a
// child that has since been handed its copy via fork, so the parent
// doesn't hold pipes open forever (which would hang a peer waiting
// for EOF).
func (s *Stage) closeParentEnds() {
	for fd, should := range s.closeOnExecInParent {
		if !should {
			continue
		}
		if f, ok := s.fds[fd]; ok {
			traceFD(s.Name(), fd, "closing parent end")
			f.Close()
		}
	}
}
