// Package scheduler implements the frame scheduler: a jitter buffer that
// absorbs delivery jitter, maps stream time onto wall-clock time, corrects
// for drift, and exposes telemetry.
package scheduler

import (
	"sync"

	"sesame/internal/util"
)

// DropReason explains why a frame never reached the caller.
type DropReason int

const (
	DropOverflow DropReason = iota
	DropSkip
)

func (r DropReason) String() string {
	switch r {
	case DropOverflow:
		return "overflow"
	case DropSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Frame is an opaque decoded-frame handle. Release must be called exactly
// once by whoever currently owns it.
type Frame struct {
	TimestampUs int64
	Width       int
	Height      int
	Release     func()
}

// Timing carries the arrival/decode bookkeeping an Enqueue call needs to
// update telemetry. ArrivalTimeUs and DecodeTimeUs are wall-clock
// microseconds.
type Timing struct {
	ArrivalTimeUs int64
	DecodeTimeUs  int64
	IsKeyframe    bool
}

// PacketTimingEntry is one row of the packet-arrival telemetry window,
// capped at 300 entries.
type PacketTimingEntry struct {
	ArrivalTimeUs   int64
	IntervalMs      float64
	StreamTsUs      int64
	IsKeyframe      bool
	DecodeLatencyMs float64
	WasDropped      bool
}

// Latency is one frame's dequeue-time latency breakdown.
type Latency struct {
	DecodeMs     float64
	BufferWaitMs float64
	TotalMs      float64
}

// Telemetry is the live snapshot exposed to callers.
type Telemetry struct {
	CurrentBufferSize     int
	CurrentBufferMs       float64
	AvgBufferMs           float64
	TargetBufferMs        float64
	StreamFrameDurationUs int64
	DroppedFrames         int64
	TotalEnqueued         int64
	TotalDequeued         int64
	DriftCorrections      int64
	Latency               Latency
	LatencyAverages       Latency
	PacketTimings         []PacketTimingEntry
}

const packetHistorySize = 300

// Config configures a Scheduler. Zero values are replaced by sensible
// defaults.
type Config struct {
	BufferDelayMs      int
	MaxBuffer          int
	DriftCheckInterval int
	DriftThresholdMs   float64
	Logger             func(format string, args ...any)
	OnDrop             func(frame Frame, reason DropReason)
}

func (c *Config) setDefaults() {
	if c.MaxBuffer == 0 {
		c.MaxBuffer = defaultMaxBuffer(c.BufferDelayMs)
	}
	if c.DriftCheckInterval == 0 {
		c.DriftCheckInterval = 150
	}
	if c.DriftThresholdMs == 0 {
		c.DriftThresholdMs = 30
	}
	if c.OnDrop == nil {
		c.OnDrop = func(Frame, DropReason) {}
	}
}

func defaultMaxBuffer(bufferDelayMs int) int {
	n := int(ceilDiv(bufferDelayMs*60*2, 1000))
	if n < 30 {
		return 30
	}
	return n
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// entry is one buffered, not-yet-displayed frame.
type entry struct {
	frame       Frame
	streamTsUs  int64
	arrivalUs   int64
	decodeUs    int64
	isKeyframe  bool
}

// Scheduler is the jitter buffer. Its zero value is not usable; construct
// with New. All exported methods are safe for concurrent use — callers on
// preemptive runtimes are expected to place the scheduler behind a single
// mutex or owning task, though the type guards its own state regardless.
type Scheduler struct {
	mu sync.Mutex

	cfg Config

	buf []entry

	syncValid   bool
	startRealUs int64
	startStreamUs int64

	frameDurationUs int64
	lastStreamTsUs  int64
	haveLastStream  bool

	lastArrivalUs  int64
	haveLastArrival bool

	bufferSizeSamples *util.RingBuffer[int]
	dequeuesSinceDrift int

	decodeLatencies     *util.RingBuffer[float64]
	bufferWaitLatencies *util.RingBuffer[float64]
	totalLatencies      *util.RingBuffer[float64]

	packetHistory []PacketTimingEntry

	droppedFrames    int64
	totalEnqueued    int64
	totalDequeued    int64
	driftCorrections int64

	lastLatency Latency
}

// New constructs a Scheduler. cfg.BufferDelayMs == 0 puts it in bypass mode.
func New(cfg Config) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:                 cfg,
		frameDurationUs:     20_000,
		bufferSizeSamples:   util.NewRingBuffer[int](cfg.DriftCheckInterval),
		decodeLatencies:     util.NewRingBuffer[float64](300),
		bufferWaitLatencies: util.NewRingBuffer[float64](300),
		totalLatencies:      util.NewRingBuffer[float64](300),
	}
}

func (s *Scheduler) log(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger(format, args...)
	}
}

// Enqueue adds a decoded frame to the buffer at its stream timestamp.
// Ownership of frame transfers to the scheduler; it is released exactly
// once, either by a future Dequeue caller or by cfg.OnDrop.
func (s *Scheduler) Enqueue(frame Frame, streamTsUs int64, timing Timing) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recordPacketTiming(streamTsUs, timing)
	s.updateFrameDuration(streamTsUs)

	if len(s.buf) >= s.cfg.MaxBuffer && len(s.buf) > 0 {
		oldest := s.buf[0]
		s.buf = s.buf[1:]
		s.droppedFrames++
		s.syncValid = false
		s.cfg.OnDrop(oldest.frame, DropOverflow)
		s.log("scheduler: overflow, dropped frame ts=%d", oldest.streamTsUs)
	}

	s.buf = append(s.buf, entry{
		frame:      frame,
		streamTsUs: streamTsUs,
		arrivalUs:  timing.ArrivalTimeUs,
		decodeUs:   timing.DecodeTimeUs,
		isKeyframe: timing.IsKeyframe,
	})
	s.totalEnqueued++
}

func (s *Scheduler) recordPacketTiming(streamTsUs int64, timing Timing) {
	intervalMs := 0.0
	if s.haveLastArrival {
		intervalMs = float64(timing.ArrivalTimeUs-s.lastArrivalUs) / 1000.0
	}
	s.lastArrivalUs = timing.ArrivalTimeUs
	s.haveLastArrival = true

	decodeLatencyMs := float64(timing.DecodeTimeUs-timing.ArrivalTimeUs) / 1000.0

	s.packetHistory = append(s.packetHistory, PacketTimingEntry{
		ArrivalTimeUs:   timing.ArrivalTimeUs,
		IntervalMs:      intervalMs,
		StreamTsUs:      streamTsUs,
		IsKeyframe:      timing.IsKeyframe,
		DecodeLatencyMs: decodeLatencyMs,
		WasDropped:      false,
	})
	if len(s.packetHistory) > packetHistorySize {
		s.packetHistory = s.packetHistory[len(s.packetHistory)-packetHistorySize:]
	}
}

func (s *Scheduler) markDropped(streamTsUs int64) {
	for i := len(s.packetHistory) - 1; i >= 0; i-- {
		if s.packetHistory[i].StreamTsUs == streamTsUs && !s.packetHistory[i].WasDropped {
			s.packetHistory[i].WasDropped = true
			return
		}
	}
}

// updateFrameDuration refines the rolling frame-duration estimate from the
// gap between consecutive stream timestamps, ignoring pathological gaps
// (<=0 or >=100ms). Uses exponential smoothing (alpha=0.2); see DESIGN.md
// for why this averaging scheme was chosen.
func (s *Scheduler) updateFrameDuration(streamTsUs int64) {
	if s.haveLastStream {
		delta := streamTsUs - s.lastStreamTsUs
		if delta > 0 && delta < 100_000 {
			const alpha = 0.2
			s.frameDurationUs = int64(alpha*float64(delta) + (1-alpha)*float64(s.frameDurationUs))
		}
	}
	s.lastStreamTsUs = streamTsUs
	s.haveLastStream = true
}

// Dequeue returns the next frame due for display at nowMs, or false if none
// is ready yet. Ownership transfers to the caller.
func (s *Scheduler) Dequeue(nowMs int64) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		return Frame{}, false
	}

	if s.cfg.BufferDelayMs == 0 {
		return s.dequeueBypass(), true
	}

	nowUs := nowMs * 1000

	bufferDelayUs := int64(s.cfg.BufferDelayMs) * 1000
	frameDurationMs := float64(s.frameDurationUs) / 1000.0

	currentBufferedMs := float64(s.buf[len(s.buf)-1].streamTsUs-s.buf[0].streamTsUs) / 1000.0
	primingThreshold := minF(float64(s.cfg.BufferDelayMs)*0.5, frameDurationMs)
	if currentBufferedMs < primingThreshold {
		return Frame{}, false
	}

	if !s.syncValid {
		s.startRealUs = nowUs
		s.startStreamUs = s.buf[0].streamTsUs + bufferDelayUs
		s.syncValid = true
	}

	expected := s.startStreamUs + (nowUs - s.startRealUs) - bufferDelayUs

	count := 0
	for count < len(s.buf) && s.buf[count].streamTsUs <= expected {
		count++
	}
	if count == 0 {
		return Frame{}, false
	}

	if count > 1 {
		for i := 0; i < count-1; i++ {
			dropped := s.buf[i]
			s.droppedFrames++
			s.markDropped(dropped.streamTsUs)
			s.cfg.OnDrop(dropped.frame, DropSkip)
		}
		s.buf = s.buf[count-1:]
	}

	selected := s.buf[0]
	s.buf = s.buf[1:]
	s.totalDequeued++

	s.recordLatency(selected, nowUs)
	s.runDriftCorrection()

	return selected.frame, true
}

func (s *Scheduler) dequeueBypass() Frame {
	last := s.buf[len(s.buf)-1]
	for _, e := range s.buf[:len(s.buf)-1] {
		s.droppedFrames++
		s.markDropped(e.streamTsUs)
		s.cfg.OnDrop(e.frame, DropSkip)
	}
	s.buf = nil
	s.totalDequeued++
	return last.frame
}

func (s *Scheduler) recordLatency(e entry, nowUs int64) {
	decodeMs := float64(e.decodeUs-e.arrivalUs) / 1000.0
	bufferWaitMs := float64(nowUs-e.decodeUs) / 1000.0
	totalMs := float64(nowUs-e.arrivalUs) / 1000.0

	s.decodeLatencies.Push(decodeMs)
	s.bufferWaitLatencies.Push(bufferWaitMs)
	s.totalLatencies.Push(totalMs)
	s.lastLatency = Latency{DecodeMs: decodeMs, BufferWaitMs: bufferWaitMs, TotalMs: totalMs}

	s.bufferSizeSamples.Push(len(s.buf))
	s.dequeuesSinceDrift++
}

func (s *Scheduler) runDriftCorrection() {
	if s.dequeuesSinceDrift < s.cfg.DriftCheckInterval {
		return
	}
	s.dequeuesSinceDrift = 0

	samples := s.bufferSizeSamples.Snapshot()
	if len(samples) == 0 {
		return
	}
	sum := 0
	for _, v := range samples {
		sum += v
	}
	avgSize := float64(sum) / float64(len(samples))
	frameDurationMs := float64(s.frameDurationUs) / 1000.0
	avgBufferMs := avgSize * frameDurationMs

	drift := avgBufferMs - float64(s.cfg.BufferDelayMs)
	threshold := minF(s.cfg.DriftThresholdMs, 0.5*float64(s.cfg.BufferDelayMs))
	if absF(drift) > threshold {
		s.startStreamUs += int64(drift * 1000)
		s.driftCorrections++
		s.log("scheduler: drift correction, drift_ms=%.2f", drift)
	}
	s.bufferSizeSamples.Clear()
}

// Clear drops every buffered frame (reason overflow) and invalidates the
// sync point, as on transport disconnect or seek.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.buf {
		s.droppedFrames++
		s.cfg.OnDrop(e.frame, DropOverflow)
	}
	s.buf = nil
	s.syncValid = false
}

// SetBufferDelay changes the target buffer delay. Crossing the 0 boundary
// (bypass <-> buffered) invalidates the sync point and the drift window.
func (s *Scheduler) SetBufferDelay(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasBypass := s.cfg.BufferDelayMs == 0
	isBypass := ms == 0
	s.cfg.BufferDelayMs = ms
	if wasBypass != isBypass {
		s.syncValid = false
		s.bufferSizeSamples.Clear()
		s.dequeuesSinceDrift = 0
	}
}

// ResetStats zeros the telemetry counters without touching buffered frames.
func (s *Scheduler) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.droppedFrames = 0
	s.totalEnqueued = 0
	s.totalDequeued = 0
	s.driftCorrections = 0
	s.decodeLatencies.Clear()
	s.bufferWaitLatencies.Clear()
	s.totalLatencies.Clear()
	s.bufferSizeSamples.Clear()
	s.dequeuesSinceDrift = 0
}

// Telemetry returns a point-in-time snapshot.
func (s *Scheduler) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	frameDurationMs := float64(s.frameDurationUs) / 1000.0

	sizeSamples := s.bufferSizeSamples.Snapshot()
	avgSize := 0.0
	if len(sizeSamples) > 0 {
		sum := 0
		for _, v := range sizeSamples {
			sum += v
		}
		avgSize = float64(sum) / float64(len(sizeSamples))
	}

	timings := make([]PacketTimingEntry, len(s.packetHistory))
	copy(timings, s.packetHistory)

	return Telemetry{
		CurrentBufferSize:     len(s.buf),
		CurrentBufferMs:       float64(len(s.buf)) * frameDurationMs,
		AvgBufferMs:           avgSize * frameDurationMs,
		TargetBufferMs:        float64(s.cfg.BufferDelayMs),
		StreamFrameDurationUs: s.frameDurationUs,
		DroppedFrames:         s.droppedFrames,
		TotalEnqueued:         s.totalEnqueued,
		TotalDequeued:         s.totalDequeued,
		DriftCorrections:      s.driftCorrections,
		Latency:               s.lastLatency,
		LatencyAverages:       s.latencyAverages(),
		PacketTimings:         timings,
	}
}

func (s *Scheduler) latencyAverages() Latency {
	avg := func(rb *util.RingBuffer[float64]) float64 {
		samples := rb.Snapshot()
		if len(samples) == 0 {
			return 0
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		return sum / float64(len(samples))
	}
	return Latency{
		DecodeMs:     avg(s.decodeLatencies),
		BufferWaitMs: avg(s.bufferWaitLatencies),
		TotalMs:      avg(s.totalLatencies),
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absF(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
