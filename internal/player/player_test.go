package player

import (
	"testing"

	"sesame/internal/codecid"
	"sesame/internal/decoder"
	"sesame/internal/scheduler"
	"sesame/internal/transport"
	"sesame/internal/wire"
)

type fakeSource struct {
	handlers         map[transport.EventKind][]func(transport.Event)
	keyframeRequests int
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[transport.EventKind][]func(transport.Event))}
}

func (f *fakeSource) Connect() error    { return nil }
func (f *fakeSource) Disconnect() error { return nil }
func (f *fakeSource) RequestKeyframe() error {
	f.keyframeRequests++
	return nil
}
func (f *fakeSource) On(kind transport.EventKind, handler func(transport.Event)) {
	f.handlers[kind] = append(f.handlers[kind], handler)
}
func (f *fakeSource) Dispose() error { return nil }

func (f *fakeSource) deliver(ev transport.Event) {
	for _, h := range f.handlers[ev.Kind] {
		h(ev)
	}
}

type fakeDecoderBackend struct {
	configureCount int
	decodedPts     []int64
	onFrame        func(scheduler.Frame)
	lastIdentity   codecid.Identity
}

func (b *fakeDecoderBackend) Kind() decoder.Kind { return decoder.Software }
func (b *fakeDecoderBackend) Configure(identity codecid.Identity, codecConfigString string, onFrame func(scheduler.Frame)) error {
	b.configureCount++
	b.onFrame = onFrame
	b.lastIdentity = identity
	return nil
}
func (b *fakeDecoderBackend) Decode(chunk decoder.Chunk) error {
	b.decodedPts = append(b.decodedPts, chunk.PtsUs)
	if b.onFrame != nil {
		b.onFrame(scheduler.Frame{TimestampUs: chunk.PtsUs, Width: int(b.lastIdentity.Width), Height: int(b.lastIdentity.Height), Release: func() {}})
	}
	return nil
}
func (b *fakeDecoderBackend) Flush() error   { return nil }
func (b *fakeDecoderBackend) Reset() error   { return nil }
func (b *fakeDecoderBackend) Dispose() error { return nil }

func videoPacket(pts uint64, keyframe bool, cd *wire.CodecData) wire.ParsedPacket {
	return wire.ParsedPacket{
		Valid:     true,
		Header:    wire.Header{PTS: pts, IsKeyframe: keyframe, Type: wire.TypeVideoFrame},
		CodecData: cd,
		Payload:   []byte{1, 2, 3},
	}
}

func audioPacket(pts uint64, keyframe bool, cd *wire.CodecData) wire.ParsedPacket {
	return wire.ParsedPacket{
		Valid:     true,
		Header:    wire.Header{PTS: pts, IsKeyframe: keyframe, Type: wire.TypeAudioFrame},
		CodecData: cd,
		Payload:   []byte{9, 9},
	}
}

func TestWaitForKeyframeDropsNonKeyPacketsBeforeFirstKeyframe(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	p := New(Config{Source: src, Backend: backend, VideoTrackName: "video"})

	cd := &wire.CodecData{CodecType: wire.CodecVP8, Width: 640, Height: 480}

	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(1000, false, cd),
	})
	if backend.configureCount != 0 {
		t.Fatalf("expected no configure before any keyframe, got %d", backend.configureCount)
	}
	if len(backend.decodedPts) != 0 {
		t.Fatalf("expected no decode before any keyframe, got %v", backend.decodedPts)
	}

	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(2000, true, cd),
	})
	if backend.configureCount != 1 {
		t.Fatalf("expected configure once keyframe arrives, got %d", backend.configureCount)
	}
	if len(backend.decodedPts) != 1 {
		t.Fatalf("expected the keyframe decoded, got %v", backend.decodedPts)
	}
}

func TestCodecChangeReconfiguresAndDrainsQueuedPackets(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	p := New(Config{Source: src, Backend: backend, VideoTrackName: "video"})

	cd1080p := &wire.CodecData{CodecType: wire.CodecAVC, Width: 1920, Height: 1080}
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(0, true, cd1080p),
	})
	if backend.configureCount != 1 {
		t.Fatalf("expected initial configure, got %d", backend.configureCount)
	}

	// Non-keyframe under the same codec decodes normally.
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(20000, false, cd1080p),
	})

	cd720pHEVC := &wire.CodecData{CodecType: wire.CodecHEVC, Width: 1280, Height: 720}
	// A non-key packet advertising a new codec must be dropped, not trigger
	// a reconfigure.
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(40000, false, cd720pHEVC),
	})
	if backend.configureCount != 1 {
		t.Fatalf("expected no reconfigure from a non-key codec-change packet, got %d", backend.configureCount)
	}

	// The actual keyframe advertising the new codec triggers reconfigure.
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
		Parsed: videoPacket(60000, true, cd720pHEVC),
	})
	if backend.configureCount != 2 {
		t.Fatalf("expected reconfigure on codec-change keyframe, got %d", backend.configureCount)
	}
	if backend.lastIdentity.Width != 1280 || backend.lastIdentity.Height != 720 {
		t.Fatalf("expected decoder reconfigured to 1280x720, got %dx%d", backend.lastIdentity.Width, backend.lastIdentity.Height)
	}

	for _, pts := range backend.decodedPts {
		_ = pts // every decoded chunk after reconfigure must belong to the new resolution
	}
	_ = p
}

func TestRequestsKeyframeAtMostOncePerSecond(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	_ = New(Config{Source: src, Backend: backend, VideoTrackName: "video"})

	cd := &wire.CodecData{CodecType: wire.CodecVP8, Width: 640, Height: 480}
	for i := 0; i < 5; i++ {
		src.deliver(transport.Event{
			Kind: transport.EventData, Track: "video", StreamKind: transport.StreamMedia,
			Parsed: videoPacket(uint64(i)*1000, false, cd),
		})
	}
	if src.keyframeRequests != 1 {
		t.Fatalf("expected a single rate-limited keyframe request burst, got %d", src.keyframeRequests)
	}
}

func TestAudioPacketsNeverReachTheVideoDecoder(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	_ = New(Config{Source: src, Backend: backend, VideoTrackName: "video", AudioTrackName: "audio", EnableAudio: true})

	cd := &wire.CodecData{CodecType: wire.CodecOpus}
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "audio", StreamKind: transport.StreamMedia,
		Parsed: audioPacket(0, true, cd),
	})
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "audio", StreamKind: transport.StreamMedia,
		Parsed: audioPacket(20000, false, cd),
	})
	if backend.configureCount != 0 {
		t.Fatalf("expected audio packets never to configure the video decoder, got %d", backend.configureCount)
	}
	if len(backend.decodedPts) != 0 {
		t.Fatalf("expected audio packets never to reach the video decoder, got %v", backend.decodedPts)
	}
}

func TestAudioTrackHonorsConfiguredNameAndWaitsForKeyframe(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	p := New(Config{Source: src, Backend: backend, VideoTrackName: "video", AudioTrackName: "mic", EnableAudio: true})

	cd := &wire.CodecData{CodecType: wire.CodecOpus}

	// A non-keyframe on the configured audio track before any keyframe
	// requests a keyframe but otherwise leaves no trace.
	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "mic", StreamKind: transport.StreamMedia,
		Parsed: audioPacket(1000, false, cd),
	})
	if src.keyframeRequests != 1 {
		t.Fatalf("expected audio wait-for-keyframe to request a keyframe, got %d", src.keyframeRequests)
	}
	if p.audioDecodeSt != decodeWaitingKeyframe {
		t.Fatalf("expected audio decode state to still be waiting for a keyframe, got %v", p.audioDecodeSt)
	}

	src.deliver(transport.Event{
		Kind: transport.EventData, Track: "mic", StreamKind: transport.StreamMedia,
		Parsed: audioPacket(2000, true, cd),
	})
	if p.audioDecodeSt != decodeConfigured {
		t.Fatalf("expected audio decode state configured after a keyframe, got %v", p.audioDecodeSt)
	}
}

func TestGetVideoFrameOutsidePlayingReturnsLastDisplayedFrame(t *testing.T) {
	src := newFakeSource()
	backend := &fakeDecoderBackend{}
	p := New(Config{Source: src, Backend: backend, VideoTrackName: "video"})

	if _, ok := p.GetVideoFrame(0); ok {
		t.Fatal("expected no frame before anything has been displayed")
	}

	p.Pause()
	if _, ok := p.GetVideoFrame(0); ok {
		t.Fatal("expected paused state to return no frame when nothing was ever displayed")
	}
}
