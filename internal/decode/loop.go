package decode

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// processingLoop is the single goroutine that drains the event queues. It
// runs only while its session is configured and is joined before any native
// resource it uses is torn down.
type processingLoop struct {
	queues   *eventQueues
	acc      *accumulator
	dec      NativeDecoder
	reader   ImageReader
	importer ExternalImageImporter
	ring     *releaseRing
	metrics  *Metrics
	log      *slog.Logger

	// pendingDisplays counts rendered outputs not yet picked up by Display.
	pendingDisplays *atomic.Int64
	retryInterval   time.Duration

	stop chan struct{}
	done chan struct{}
}

func (l *processingLoop) run() {
	defer close(l.done)
	l.log.Debug("processing loop started")
	defer l.log.Debug("processing loop stopped")

	for {
		var retry <-chan time.Time
		if l.acc.stalled {
			retry = time.After(l.retryInterval)
		}

		select {
		case <-l.stop:
			return
		case <-l.queues.wake:
		case <-retry:
		}
		l.tick()
	}
}

// tick drains every queue once. Native calls happen outside the queue lock.
func (l *processingLoop) tick() {
	batch := l.queues.take()

	l.acc.add(batch)
	l.acc.step()

	for _, out := range batch.outputs {
		l.releaseOutput(out)
	}

	if batch.images > 0 {
		l.importLatest()
	}
}

func (l *processingLoop) releaseOutput(out PendingOutputBuffer) {
	render := !out.Flags.IsConfig() && out.Size > 0
	if err := l.dec.ReleaseOutputBuffer(out.ID, render); err != nil {
		l.log.Warn("release output buffer failed", "buffer", out.ID, "render", render, "error", err)
		return
	}
	if render {
		l.pendingDisplays.Add(1)
		l.metrics.inc(&l.metrics.FramesRendered)
	}
	l.metrics.inc(&l.metrics.OutputsReleased)
}

// importLatest acquires the newest decoded image and imports it into the
// next ring slot. Failures skip the frame.
func (l *processingLoop) importLatest() {
	img, err := l.reader.AcquireLatestImage()
	if err != nil {
		l.metrics.inc(&l.metrics.AcquireFailures)
		l.log.Debug("no image acquired", "error", fmt.Errorf("%w: %v", ErrAcquireImage, err))
		return
	}
	if img == nil {
		l.metrics.inc(&l.metrics.AcquireFailures)
		l.log.Debug("no image acquired", "error", ErrAcquireImage)
		return
	}

	slot, ok := l.ring.reserve()
	if !ok {
		img.Close()
		l.metrics.inc(&l.metrics.FramesDropped)
		l.log.Debug("ring slot still in use, dropping image", "slot", slot)
		return
	}

	start := time.Now()
	f, err := l.importer.Import(img)
	if err != nil {
		img.Close()
		l.metrics.inc(&l.metrics.ImportFailures)
		l.log.Warn("import failed, skipping frame", "slot", slot, "error", fmt.Errorf("%w: %w", ErrImport, err))
		return
	}
	l.ring.commit(slot, f)
	l.metrics.RecordImport(time.Since(start))
}
