package decode

import (
	"errors"
	"fmt"
)

// CopyDecodedFrameInto is called by the render thread once per frame. It
// frees slots that have become safe to release, then converts the newest
// decoded frame into dst. When no new frame is ready it does nothing and
// dst keeps the previous output.
func (s *Session) CopyDecodedFrameInto(dst Texture, gc GraphicsContext) error {
	if dst == nil || gc == nil {
		return errors.New("decode: nil texture or graphics context")
	}
	r := s.ring.Load()
	if r == nil {
		return ErrNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || s.State() != StateConfigured {
		return ErrNotConfigured
	}

	r.processFrees()

	if r.latest < 0 {
		return nil
	}
	f := r.slots[r.latest]
	if f == nil || f.seq == r.consumedSeq {
		return nil
	}
	if fence := f.Image.AcquireFence(); fence != nil && !fence.Signaled() {
		return nil
	}

	useFence, err := gc.ConvertInto(f, dst)
	if err != nil {
		s.metrics.inc(&s.metrics.ConvertFailures)
		return fmt.Errorf("decode: convert frame %d: %w", f.seq, err)
	}
	f.useFence = useFence
	r.bound = r.latest
	r.consumedSeq = f.seq
	s.metrics.inc(&s.metrics.FramesConverted)
	return nil
}
