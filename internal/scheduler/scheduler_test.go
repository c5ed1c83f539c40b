package scheduler

import (
	"testing"
)

func frame(ts int64) Frame {
	return Frame{TimestampUs: ts, Width: 640, Height: 480, Release: func() {}}
}

func TestPrimingWithholdsUntilThresholdMet(t *testing.T) {
	var drops []DropReason
	s := New(Config{
		BufferDelayMs: 100,
		OnDrop:        func(Frame, DropReason) {},
	})
	_ = drops

	s.Enqueue(frame(0), 0, Timing{ArrivalTimeUs: 0, DecodeTimeUs: 1000})
	if _, ok := s.Dequeue(0); ok {
		t.Fatal("expected no frame before priming threshold met")
	}

	s.Enqueue(frame(20000), 20000, Timing{ArrivalTimeUs: 1000, DecodeTimeUs: 2000})
	got, ok := s.Dequeue(0)
	if !ok {
		t.Fatal("expected first frame once priming threshold met")
	}
	if got.TimestampUs != 0 {
		t.Fatalf("expected ts=0, got %d", got.TimestampUs)
	}
}

func TestSkipAheadDropsStaleFramesAndReturnsLatestDue(t *testing.T) {
	var dropped []int64
	s := New(Config{
		BufferDelayMs: 100,
		OnDrop: func(f Frame, reason DropReason) {
			if reason != DropSkip {
				t.Fatalf("expected skip reason, got %v", reason)
			}
			dropped = append(dropped, f.TimestampUs)
		},
	})

	for i := int64(0); i < 10; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 1000})
	}

	first, ok := s.Dequeue(0)
	if !ok || first.TimestampUs != 0 {
		t.Fatalf("expected first dequeue to return ts=0, got ok=%v ts=%d", ok, first.TimestampUs)
	}

	second, ok := s.Dequeue(300)
	if !ok {
		t.Fatal("expected second dequeue to succeed")
	}
	if second.TimestampUs != 180000 {
		t.Fatalf("expected skip-ahead to latest due frame ts=180000, got %d", second.TimestampUs)
	}
	if len(dropped) != 8 {
		t.Fatalf("expected 8 frames dropped with reason skip, got %d", len(dropped))
	}

	tel := s.Telemetry()
	if tel.DroppedFrames != 8 {
		t.Fatalf("expected telemetry dropped_frames=8, got %d", tel.DroppedFrames)
	}
	if tel.TotalDequeued != 2 {
		t.Fatalf("expected total_dequeued=2, got %d", tel.TotalDequeued)
	}
}

func TestOverflowDropsOldestAndInvalidatesSync(t *testing.T) {
	var overflowed int
	s := New(Config{
		BufferDelayMs: 100,
		MaxBuffer:     3,
		OnDrop: func(f Frame, reason DropReason) {
			if reason == DropOverflow {
				overflowed++
			}
		},
	})

	for i := int64(0); i < 5; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
	}

	if overflowed != 2 {
		t.Fatalf("expected 2 overflow drops (5 enqueued, max 3), got %d", overflowed)
	}
	tel := s.Telemetry()
	if tel.CurrentBufferSize > 3 {
		t.Fatalf("buffer size exceeded max_buffer: %d", tel.CurrentBufferSize)
	}
}

func TestBufferNeverExceedsMaxBuffer(t *testing.T) {
	s := New(Config{BufferDelayMs: 100, MaxBuffer: 5})
	for i := int64(0); i < 50; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
		if s.Telemetry().CurrentBufferSize > 5 {
			t.Fatalf("buffer exceeded max_buffer at enqueue %d", i)
		}
	}
}

func TestDriftCorrectionFiresAfterCheckInterval(t *testing.T) {
	s := New(Config{
		BufferDelayMs:      100,
		MaxBuffer:          500,
		DriftCheckInterval: 10,
		DriftThresholdMs:   5,
	})

	// Enqueue far more than the steady-state target so the buffer runs
	// persistently deep; drift correction should eventually fire.
	for i := int64(0); i < 400; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
	}

	var lastTS int64
	for i := 0; i < 40; i++ {
		now := int64(i) * 20
		f, ok := s.Dequeue(now)
		if ok {
			lastTS = f.TimestampUs
		}
	}
	_ = lastTS

	tel := s.Telemetry()
	if tel.DriftCorrections == 0 {
		t.Fatal("expected at least one drift correction given a persistently deep buffer")
	}
}

func TestBypassModeReturnsNewestAndDropsEarlierAsSkip(t *testing.T) {
	var dropped int
	s := New(Config{
		BufferDelayMs: 0,
		OnDrop: func(f Frame, reason DropReason) {
			if reason != DropSkip {
				t.Fatalf("expected skip reason in bypass mode, got %v", reason)
			}
			dropped++
		},
	})

	for i := int64(0); i < 4; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
	}

	got, ok := s.Dequeue(0)
	if !ok {
		t.Fatal("expected a frame in bypass mode")
	}
	if got.TimestampUs != 60000 {
		t.Fatalf("expected newest frame ts=60000, got %d", got.TimestampUs)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 earlier frames dropped, got %d", dropped)
	}

	if _, ok := s.Dequeue(0); ok {
		t.Fatal("expected buffer empty after bypass dequeue")
	}
}

func TestClearDropsAllBufferedFramesAsOverflow(t *testing.T) {
	var overflowed int
	s := New(Config{
		BufferDelayMs: 100,
		OnDrop: func(f Frame, reason DropReason) {
			if reason != DropOverflow {
				t.Fatalf("expected overflow reason on Clear, got %v", reason)
			}
			overflowed++
		},
	})
	for i := int64(0); i < 5; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
	}
	s.Clear()
	if overflowed != 5 {
		t.Fatalf("expected 5 frames dropped on Clear, got %d", overflowed)
	}
	if _, ok := s.Dequeue(0); ok {
		t.Fatal("expected empty buffer after Clear")
	}
}

func TestSetBufferDelayCrossingZeroInvalidatesSync(t *testing.T) {
	s := New(Config{BufferDelayMs: 100})
	s.Enqueue(frame(0), 0, Timing{ArrivalTimeUs: 0, DecodeTimeUs: 500})
	s.Enqueue(frame(20000), 20000, Timing{ArrivalTimeUs: 1000, DecodeTimeUs: 1500})
	if _, ok := s.Dequeue(0); !ok {
		t.Fatal("expected a frame before mode switch")
	}

	s.SetBufferDelay(0)
	if s.syncValid {
		t.Fatal("expected sync point invalidated after crossing into bypass")
	}
}

func TestResetStatsZeroesCounters(t *testing.T) {
	s := New(Config{BufferDelayMs: 100})
	s.Enqueue(frame(0), 0, Timing{ArrivalTimeUs: 0, DecodeTimeUs: 500})
	s.Enqueue(frame(20000), 20000, Timing{ArrivalTimeUs: 1000, DecodeTimeUs: 1500})
	s.Dequeue(0)

	s.ResetStats()
	tel := s.Telemetry()
	if tel.DroppedFrames != 0 || tel.TotalEnqueued != 0 || tel.TotalDequeued != 0 || tel.DriftCorrections != 0 {
		t.Fatalf("expected zeroed counters after ResetStats, got %+v", tel)
	}
}

func TestPacketTimingHistoryCapped(t *testing.T) {
	s := New(Config{BufferDelayMs: 100, MaxBuffer: 1000})
	for i := int64(0); i < 400; i++ {
		ts := i * 20000
		s.Enqueue(frame(ts), ts, Timing{ArrivalTimeUs: ts, DecodeTimeUs: ts + 500})
	}
	tel := s.Telemetry()
	if len(tel.PacketTimings) > packetHistorySize {
		t.Fatalf("expected packet timing history capped at %d, got %d", packetHistorySize, len(tel.PacketTimings))
	}
}
