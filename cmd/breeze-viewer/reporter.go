package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/viewer/internal/decode"
	"github.com/breeze-rmm/viewer/internal/health"
	"github.com/breeze-rmm/viewer/internal/ingest"
	"github.com/breeze-rmm/viewer/internal/logging"
)

// staleIntervals is how many reporting intervals a component may go without
// progress before it is marked degraded.
const staleIntervals = 3

// pipelineStats is the subset of a session the reporter reads.
type pipelineStats interface {
	Stats() decode.MetricsSnapshot
}

// reporter logs pipeline and process metrics periodically and derives
// component health from counter deltas.
type reporter struct {
	session  pipelineStats
	source   ingest.Source
	health   *health.Monitor
	interval time.Duration
	proc     *process.Process

	prev    decode.Counters
	prevSrc ingest.Stats
}

func newReporter(session pipelineStats, src ingest.Source, hm *health.Monitor, interval time.Duration) *reporter {
	r := &reporter{session: session, source: src, health: hm, interval: interval}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = proc
	} else {
		log.Debug("process stats unavailable", logging.KeyError, err)
	}
	return r
}

func (r *reporter) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *reporter) report() {
	snap := r.session.Stats()
	src := r.source.Stats()
	r.updateHealth(snap.Counters, src)

	args := []any{
		"source", r.source.Name(),
		"frames", src.Frames,
		"accessUnits", src.AccessUnits,
		"ingestDropped", src.Dropped,
		"inputKBps", fmt.Sprintf("%.1f", snap.InputKBps),
		"buffersSubmitted", snap.BuffersSubmitted,
		"framesRendered", snap.FramesRendered,
		"framesDisplayed", snap.FramesDisplayed,
		"imagesImported", snap.ImagesImported,
		"framesConverted", snap.FramesConverted,
		"framesDropped", snap.FramesDropped,
		"importMs", fmt.Sprintf("%.2f", snap.ImportMs),
		"health", string(r.health.Overall()),
	}
	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil {
			args = append(args, "rssMB", mem.RSS/1024/1024)
		}
		if cpu, err := r.proc.CPUPercent(); err == nil {
			args = append(args, "cpuPercent", fmt.Sprintf("%.1f", cpu))
		}
	}
	log.Info("pipeline stats", args...)
}

// updateHealth marks a component healthy when it made progress since the
// last report and degrades it when it reported failures. Components with
// no activity go stale after staleIntervals reports.
func (r *reporter) updateHealth(c decode.Counters, src ingest.Stats) {
	p, ps := r.prev, r.prevSrc
	r.prev, r.prevSrc = c, src

	switch {
	case src.Dropped > ps.Dropped:
		r.health.Update(health.ComponentIngest, health.Degraded,
			fmt.Sprintf("%d payloads dropped by back-pressure", src.Dropped-ps.Dropped))
	case src.Frames > ps.Frames:
		r.health.Update(health.ComponentIngest, health.Healthy, "")
	}

	switch {
	case c.DecoderErrors > p.DecoderErrors:
		r.health.Update(health.ComponentDecoder, health.Unhealthy,
			fmt.Sprintf("%d decoder errors", c.DecoderErrors-p.DecoderErrors))
	case c.SubmitFailures > p.SubmitFailures:
		r.health.Update(health.ComponentDecoder, health.Degraded,
			fmt.Sprintf("%d input submissions failed", c.SubmitFailures-p.SubmitFailures))
	case c.FramesRendered > p.FramesRendered:
		r.health.Update(health.ComponentDecoder, health.Healthy, "")
	}

	failures := (c.ImportFailures + c.ConvertFailures) - (p.ImportFailures + p.ConvertFailures)
	switch {
	case failures > 0:
		r.health.Update(health.ComponentBridge, health.Degraded,
			fmt.Sprintf("%d import or conversion failures", failures))
	case c.FramesConverted > p.FramesConverted:
		r.health.Update(health.ComponentBridge, health.Healthy, "")
	}

	maxAge := staleIntervals * r.interval
	for _, name := range []string{health.ComponentIngest, health.ComponentDecoder, health.ComponentBridge} {
		r.health.MarkStale(name, maxAge)
	}
}
