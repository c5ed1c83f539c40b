package decoder

import (
	"testing"

	"sesame/internal/codecid"
	"sesame/internal/scheduler"
	"sesame/internal/wire"
)

type fakeBackend struct {
	kind       Kind
	onFrame    func(scheduler.Frame)
	decodeErr  error
	configured int
	flushed    int
	reset      int
	disposed   int
}

func (f *fakeBackend) Kind() Kind { return f.kind }

func (f *fakeBackend) Configure(identity codecid.Identity, codecConfigString string, onFrame func(scheduler.Frame)) error {
	f.configured++
	f.onFrame = onFrame
	return nil
}

func (f *fakeBackend) Decode(chunk Chunk) error {
	if f.decodeErr != nil {
		return f.decodeErr
	}
	if f.onFrame != nil {
		f.onFrame(scheduler.Frame{TimestampUs: chunk.PtsUs, Release: func() {}})
	}
	return nil
}

func (f *fakeBackend) Flush() error   { f.flushed++; return nil }
func (f *fakeBackend) Reset() error   { f.reset++; return nil }
func (f *fakeBackend) Dispose() error { f.disposed++; return nil }

// stuckBackend never invokes onFrame, simulating a decoder that is holding
// every chunk it has been given.
type stuckBackend struct {
	kind Kind
}

func (s *stuckBackend) Kind() Kind { return s.kind }
func (s *stuckBackend) Configure(codecid.Identity, string, func(scheduler.Frame)) error {
	return nil
}
func (s *stuckBackend) Decode(Chunk) error { return nil }
func (s *stuckBackend) Flush() error       { return nil }
func (s *stuckBackend) Reset() error       { return nil }
func (s *stuckBackend) Dispose() error     { return nil }

func packet(pts uint64, keyframe bool) wire.ParsedPacket {
	return wire.ParsedPacket{
		Header:  wire.Header{PTS: pts, IsKeyframe: keyframe},
		Payload: []byte{0xAA, 0xBB},
	}
}

func TestDecodePacketDeliversFrameAndDecrementsPending(t *testing.T) {
	backend := &fakeBackend{kind: Software}
	var delivered []scheduler.Frame
	h := New(Config{Backend: backend, MaxQueueSize: 2}, func(f scheduler.Frame) {
		delivered = append(delivered, f)
	})

	if err := h.Configure(codecid.Identity{CodecType: wire.CodecVP8}, "vp8"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	accepted, err := h.DecodePacket(packet(0, true), codecid.Microseconds)
	if err != nil || !accepted {
		t.Fatalf("expected packet accepted, got accepted=%v err=%v", accepted, err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered frame, got %d", len(delivered))
	}
	if h.PendingCount() != 0 {
		t.Fatalf("expected pending count decremented to 0, got %d", h.PendingCount())
	}
}

func TestDecodePacketOverflowDropsAndCallsOverflow(t *testing.T) {
	backend := &stuckBackend{kind: Software}
	var overflowCalls int
	h := New(Config{
		Backend:      backend,
		MaxQueueSize: 1,
		OnOverflow:   func(int) { overflowCalls++ },
	}, func(scheduler.Frame) {})

	if err := h.Configure(codecid.Identity{}, "vp8"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	accepted, err := h.DecodePacket(packet(0, true), codecid.Microseconds)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if !accepted {
		t.Fatal("expected first chunk accepted")
	}

	accepted2, err := h.DecodePacket(packet(20000, false), codecid.Microseconds)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if accepted2 {
		t.Fatal("expected second chunk dropped as overflow")
	}
	if overflowCalls != 1 {
		t.Fatalf("expected 1 overflow callback, got %d", overflowCalls)
	}
}

func TestFlushResetDisposeDelegateToBackend(t *testing.T) {
	backend := &fakeBackend{kind: Hardware}
	h := New(Config{Backend: backend}, func(scheduler.Frame) {})

	if err := h.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := h.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := h.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if backend.flushed != 1 || backend.reset != 1 || backend.disposed != 1 {
		t.Fatalf("expected backend lifecycle calls delegated, got %+v", backend)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{Hardware: "hardware", Software: "software", Native: "native"}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
