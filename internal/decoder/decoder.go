// Package decoder wraps an external decoder backend with a uniform
// lifecycle regardless of implementation (hardware, software, or a
// platform's native decoder), and tracks queue pressure so the player can
// react to overflow.
package decoder

import (
	"sync"

	"sesame/internal/codecid"
	"sesame/internal/scheduler"
	"sesame/internal/wire"
)

// Kind selects which backend family a Harness prefers.
type Kind int

const (
	Hardware Kind = iota
	Software
	Native
)

func (k Kind) String() string {
	switch k {
	case Hardware:
		return "hardware"
	case Software:
		return "software"
	case Native:
		return "native"
	default:
		return "unknown"
	}
}

// ChunkType tags an encoded chunk as a keyframe or a delta frame, mirroring
// the wire packet's keyframe flag.
type ChunkType int

const (
	ChunkDelta ChunkType = iota
	ChunkKey
)

// Chunk is the unit a Backend decodes: an encoded access unit tagged with
// its presentation time in microseconds.
type Chunk struct {
	Data  []byte
	PtsUs int64
	Type  ChunkType
}

// Backend is the external decoder a Harness drives. Implementations may be
// hardware-accelerated, software, or a platform's native decoder; Decode
// delivers results via the onFrame callback passed to Configure, either
// synchronously from within Decode or later from another goroutine.
type Backend interface {
	Kind() Kind
	// Configure (re)configures the backend for a codec identity and its
	// codec-config string (from codecid.String). onFrame is invoked once
	// per decoded frame, in pts order, until the next Configure/Reset.
	Configure(identity codecid.Identity, codecConfigString string, onFrame func(scheduler.Frame)) error
	Decode(chunk Chunk) error
	Flush() error
	Reset() error
	Dispose() error
}

// Harness wraps a Backend with queue-pressure tracking and the
// packet-to-chunk translation needed to drive it from wire packets.
type Harness struct {
	mu sync.Mutex

	backend      Backend
	maxQueueSize int
	pending      int

	onFrame    func(scheduler.Frame)
	onOverflow func(queueSize int)
}

// Config configures a Harness. MaxQueueSize defaults to 8 if zero.
type Config struct {
	Backend      Backend
	MaxQueueSize int
	OnOverflow   func(queueSize int)
}

// New wraps backend with queue tracking. onFrame receives decoded frames in
// pts order and is invoked on whatever goroutine the backend delivers on;
// callers on preemptive runtimes must serialize it with the player's own
// state.
func New(cfg Config, onFrame func(scheduler.Frame)) *Harness {
	maxQueue := cfg.MaxQueueSize
	if maxQueue == 0 {
		maxQueue = 8
	}
	onOverflow := cfg.OnOverflow
	if onOverflow == nil {
		onOverflow = func(int) {}
	}
	return &Harness{
		backend:      cfg.Backend,
		maxQueueSize: maxQueue,
		onFrame:      onFrame,
		onOverflow:   onOverflow,
	}
}

// Kind reports the wrapped backend's family.
func (h *Harness) Kind() Kind { return h.backend.Kind() }

// Configure (re)configures the decoder for a new codec identity.
func (h *Harness) Configure(identity codecid.Identity, codecConfigString string) error {
	h.mu.Lock()
	h.pending = 0
	h.mu.Unlock()
	return h.backend.Configure(identity, codecConfigString, h.deliver)
}

func (h *Harness) deliver(f scheduler.Frame) {
	h.mu.Lock()
	if h.pending > 0 {
		h.pending--
	}
	h.mu.Unlock()
	h.onFrame(f)
}

// DecodePacket converts a parsed packet's stream pts to microseconds using
// the given timebase, tags it key|delta from the packet's keyframe flag,
// and hands it to the backend. Returns false if the decoder's pending-chunk
// count exceeds max_queue_size; the chunk is dropped and an overflow
// callback fires so the player can flush and request a keyframe.
func (h *Harness) DecodePacket(p wire.ParsedPacket, streamTimebase codecid.Timebase) (accepted bool, err error) {
	ptsUs := int64(codecid.Rescale(p.Header.PTS, streamTimebase, codecid.Microseconds))

	chunkType := ChunkDelta
	if p.Header.IsKeyframe {
		chunkType = ChunkKey
	}

	return h.Decode(Chunk{Data: p.Payload, PtsUs: ptsUs, Type: chunkType})
}

// Decode hands an already-built chunk to the backend, enforcing the same
// queue-pressure bound as DecodePacket. Used directly by callers that
// demux samples rather than parse wire packets (e.g. the file player).
func (h *Harness) Decode(chunk Chunk) (accepted bool, err error) {
	h.mu.Lock()
	if h.pending >= h.maxQueueSize {
		queueSize := h.pending
		h.mu.Unlock()
		h.onOverflow(queueSize)
		return false, nil
	}
	h.pending++
	h.mu.Unlock()

	if err := h.backend.Decode(chunk); err != nil {
		h.mu.Lock()
		if h.pending > 0 {
			h.pending--
		}
		h.mu.Unlock()
		return false, err
	}
	return true, nil
}

// PendingCount reports the decoder's current in-flight chunk count.
func (h *Harness) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending
}

// Flush asks the backend to emit any frames it is holding and clears
// pending-count tracking.
func (h *Harness) Flush() error {
	h.mu.Lock()
	h.pending = 0
	h.mu.Unlock()
	return h.backend.Flush()
}

// Reset discards the backend's internal state without reconfiguring.
func (h *Harness) Reset() error {
	h.mu.Lock()
	h.pending = 0
	h.mu.Unlock()
	return h.backend.Reset()
}

// Dispose releases the backend permanently. The Harness must not be used
// afterward.
func (h *Harness) Dispose() error {
	return h.backend.Dispose()
}
