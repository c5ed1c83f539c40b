package fileplayer

import (
	"context"
	"testing"

	"sesame/internal/codecid"
	"sesame/internal/decoder"
	"sesame/internal/scheduler"
	"sesame/internal/wire"
)

// fakeDemuxer serves a fixed, in-memory sequence of video samples, one per
// simulated 20ms; only the first sample is a keyframe.
type fakeDemuxer struct {
	videoCodec wire.CodecData
	samples    []Sample
	cursor     int
}

func newFakeDemuxer(n int) *fakeDemuxer {
	d := &fakeDemuxer{videoCodec: wire.CodecData{CodecType: wire.CodecVP8, Width: 640, Height: 480}}
	for i := 0; i < n; i++ {
		d.samples = append(d.samples, Sample{
			Track:      TrackVideo,
			PtsMs:      int64(i) * 20,
			IsKeyframe: i == 0,
		})
	}
	return d
}

func (d *fakeDemuxer) Load(ctx context.Context, target string) (Info, error) {
	return Info{VideoCodec: d.videoCodec, DurationMs: int64(len(d.samples)) * 20}, nil
}

func (d *fakeDemuxer) NextSample() (Sample, bool, error) {
	if d.cursor >= len(d.samples) {
		return Sample{}, false, nil
	}
	s := d.samples[d.cursor]
	d.cursor++
	return s, true, nil
}

func (d *fakeDemuxer) SeekToKeyframeAtOrBefore(targetMs int64) error {
	best := 0
	for i, s := range d.samples {
		if s.IsKeyframe && s.PtsMs <= targetMs {
			best = i
		}
	}
	d.cursor = best
	return nil
}

func (d *fakeDemuxer) Close() error { return nil }

// instantBackend decodes synchronously and immediately, useful for
// deterministic tests of the buffer-ready barrier and feeding policy.
type instantBackend struct {
	onFrame func(scheduler.Frame)
}

func (b *instantBackend) Kind() decoder.Kind { return decoder.Software }
func (b *instantBackend) Configure(identity codecid.Identity, codecConfigString string, onFrame func(scheduler.Frame)) error {
	b.onFrame = onFrame
	return nil
}
func (b *instantBackend) Decode(chunk decoder.Chunk) error {
	if b.onFrame != nil {
		b.onFrame(scheduler.Frame{TimestampUs: chunk.PtsUs, Release: func() {}})
	}
	return nil
}
func (b *instantBackend) Flush() error   { return nil }
func (b *instantBackend) Reset() error   { return nil }
func (b *instantBackend) Dispose() error { return nil }

func TestLoadWaitsForMinBufferFramesThenBecomesReady(t *testing.T) {
	demux := newFakeDemuxer(20)
	fp := New(Config{
		Demuxer:         demux,
		VideoBackend:    &instantBackend{},
		MinBufferFrames: 3,
	})

	if err := fp.Load(context.Background(), "video.mp4"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fp.State() != StateReady {
		t.Fatalf("expected state=ready after Load, got %v", fp.State())
	}
}

func TestGetVideoFrameSelectsLatestFrameAtOrBeforePosition(t *testing.T) {
	demux := newFakeDemuxer(50)
	fp := New(Config{
		Demuxer:         demux,
		VideoBackend:    &instantBackend{},
		MinBufferFrames: 3,
	})
	if err := fp.Load(context.Background(), "video.mp4"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	fp.Play()
	f, ok := fp.GetVideoFrame(0)
	if !ok {
		t.Fatal("expected a frame at position 0")
	}
	if f.TimestampUs != 0 {
		t.Fatalf("expected frame ts=0 at position 0, got %d", f.TimestampUs)
	}
}

func TestSeekResetsBuffersAndSampleCursor(t *testing.T) {
	demux := newFakeDemuxer(50)
	fp := New(Config{
		Demuxer:         demux,
		VideoBackend:    &instantBackend{},
		MinBufferFrames: 3,
	})
	if err := fp.Load(context.Background(), "video.mp4"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := fp.Seek(200); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(fp.videoBuf) != 0 {
		t.Fatalf("expected video buffer cleared after seek, got %d entries", len(fp.videoBuf))
	}
	if demux.cursor*20 > 200 {
		t.Fatalf("expected seek cursor to land at or before target, got sample at %dms", demux.cursor*20)
	}
}

func TestLoopModeResetsPositionAndEmitsCallback(t *testing.T) {
	demux := newFakeDemuxer(5)
	var loopFired bool
	fp := New(Config{
		Demuxer:         demux,
		VideoBackend:    &instantBackend{},
		MinBufferFrames: 1,
		PlayMode:        PlayLoop,
		OnLoop:          func() { loopFired = true },
	})
	if err := fp.Load(context.Background(), "video.mp4"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Seek to the end of the (short) duration so the next GetVideoFrame
	// call observes position >= duration and triggers the loop reset.
	if err := fp.Seek(100); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	fp.Play()

	fp.GetVideoFrame(0)
	if !loopFired {
		t.Fatal("expected OnLoop to fire once position reaches duration in loop mode")
	}
}

func TestBufferReadyTimeoutFailsWithNoFrames(t *testing.T) {
	demux := newFakeDemuxer(0)
	fp := New(Config{
		Demuxer:         demux,
		VideoBackend:    &instantBackend{},
		MinBufferFrames: 3,
	})
	err := fp.Load(context.Background(), "empty.mp4")
	if err == nil {
		t.Fatal("expected Load to fail when no frames ever decode")
	}
	if fp.State() != StateError {
		t.Fatalf("expected state=error, got %v", fp.State())
	}
}
