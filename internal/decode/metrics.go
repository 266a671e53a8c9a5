package decode

import (
	"sync"
	"time"
)

// Counters are the monotonic pipeline counters of one session configuration.
type Counters struct {
	ChunksAccepted   uint64
	ChunksRejected   uint64
	BytesAccepted    uint64
	BuffersSubmitted uint64
	BytesSubmitted   uint64
	SubmitFailures   uint64
	OutputsReleased  uint64
	FramesRendered   uint64
	FramesDisplayed  uint64
	ImagesImported   uint64
	AcquireFailures  uint64
	ImportFailures   uint64
	FramesDropped    uint64
	SlotsFreed       uint64
	SlotsAbandoned   uint64
	FramesConverted  uint64
	ConvertFailures  uint64
	DecoderErrors    uint64
}

// Metrics tracks pipeline activity. The processing loop, the render thread
// and callers of Decode all record into it.
type Metrics struct {
	mu sync.RWMutex
	Counters

	LastImportTime time.Duration
	startTime      time.Time
}

func newMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) inc(field *uint64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *Metrics) RecordChunk(size int) {
	m.mu.Lock()
	m.ChunksAccepted++
	m.BytesAccepted += uint64(size)
	m.mu.Unlock()
}

func (m *Metrics) RecordSubmit(size int) {
	m.mu.Lock()
	m.BuffersSubmitted++
	m.BytesSubmitted += uint64(size)
	m.mu.Unlock()
}

func (m *Metrics) RecordImport(d time.Duration) {
	m.mu.Lock()
	m.ImagesImported++
	m.LastImportTime = d
	m.mu.Unlock()
}

func (m *Metrics) RecordDisplayed(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.FramesDisplayed += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) reset() {
	m.mu.Lock()
	m.Counters = Counters{}
	m.LastImportTime = 0
	m.startTime = time.Now()
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of Metrics for logging.
type MetricsSnapshot struct {
	Counters
	ImportMs  float64
	InputKBps float64
	Uptime    time.Duration
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	bw := float64(0)
	if uptime.Seconds() > 0 {
		bw = float64(m.BytesAccepted) / uptime.Seconds() / 1024.0
	}

	return MetricsSnapshot{
		Counters:  m.Counters,
		ImportMs:  float64(m.LastImportTime.Microseconds()) / 1000.0,
		InputKBps: bw,
		Uptime:    uptime,
	}
}
