package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"sesame/internal/transport"
	"sesame/internal/wire"
)

type fakeEncoder struct {
	mu          sync.Mutex
	frames      []EncodedFrame
	cursor      int
	forcedCount int
	closed      bool
}

func (e *fakeEncoder) CodecData() wire.CodecData {
	return wire.CodecData{CodecType: wire.CodecVP8, Width: 320, Height: 240}
}

func (e *fakeEncoder) ReadFrame() (EncodedFrame, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor >= len(e.frames) {
		return EncodedFrame{}, nil, errors.New("no more frames")
	}
	f := e.frames[e.cursor]
	e.cursor++
	return f, func() {}, nil
}

func (e *fakeEncoder) ForceKeyframe() {
	e.mu.Lock()
	e.forcedCount++
	e.mu.Unlock()
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu                sync.Mutex
	sent              []transport.SerializedPacket
	connected         bool
	disposed          bool
	onRequestKeyframe func()
}

func (s *fakeSink) Connect() error {
	s.connected = true
	return nil
}
func (s *fakeSink) Disconnect() error { return nil }
func (s *fakeSink) Send(pkt transport.SerializedPacket) error {
	s.mu.Lock()
	s.sent = append(s.sent, pkt)
	s.mu.Unlock()
	return nil
}
func (s *fakeSink) SendData(track string, data []byte) error { return nil }
func (s *fakeSink) OnRequestKeyframe(handler func())          { s.onRequestKeyframe = handler }
func (s *fakeSink) Dispose() error {
	s.disposed = true
	return nil
}

func TestPipelineSendsEveryFrameWithCodecDataAndKeyframeFlag(t *testing.T) {
	enc := &fakeEncoder{frames: []EncodedFrame{
		{Data: []byte{1}, PtsUs: 0, IsKeyframe: true},
		{Data: []byte{2}, PtsUs: 33000, IsKeyframe: false},
	}}
	sink := &fakeSink{}
	p := New(sink, TrackConfig{Name: "video", PacketType: wire.TypeVideoFrame, Encoder: enc})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSent(t, sink, 2)
	_ = p.Stop()

	if !sink.connected {
		t.Fatal("expected sink to be connected")
	}
	if len(sink.sent) != 2 {
		t.Fatalf("expected 2 packets sent, got %d", len(sink.sent))
	}
	if !sink.sent[0].IsKeyframe {
		t.Fatal("expected first packet tagged as keyframe")
	}
	if sink.sent[1].IsKeyframe {
		t.Fatal("expected second packet not tagged as keyframe")
	}

	parsed, err := wire.Parse(sink.sent[0].Bytes)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.CodecData == nil {
		t.Fatal("expected every capture packet to carry codec data")
	}
}

func TestPipelineAppliesTimestampOffset(t *testing.T) {
	enc := &fakeEncoder{frames: []EncodedFrame{{Data: []byte{1}, PtsUs: 1000, IsKeyframe: true}}}
	sink := &fakeSink{}
	p := New(sink, TrackConfig{Name: "audio", PacketType: wire.TypeAudioFrame, Encoder: enc, TimestampOffsetUs: 500})

	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSent(t, sink, 1)
	_ = p.Stop()

	if sink.sent[0].TsUs != 1500 {
		t.Fatalf("expected ts offset applied (1000+500), got %d", sink.sent[0].TsUs)
	}
}

func TestRequestKeyframeCallbackForcesVideoEncodersOnly(t *testing.T) {
	videoEnc := &fakeEncoder{}
	audioEnc := &fakeEncoder{}
	sink := &fakeSink{}
	p := New(sink,
		TrackConfig{Name: "video", PacketType: wire.TypeVideoFrame, Encoder: videoEnc},
		TrackConfig{Name: "audio", PacketType: wire.TypeAudioFrame, Encoder: audioEnc},
	)

	sink.onRequestKeyframe()

	videoEnc.mu.Lock()
	vCount := videoEnc.forcedCount
	videoEnc.mu.Unlock()
	audioEnc.mu.Lock()
	aCount := audioEnc.forcedCount
	audioEnc.mu.Unlock()

	if vCount != 1 {
		t.Fatalf("expected video encoder forced once, got %d", vCount)
	}
	if aCount != 0 {
		t.Fatalf("expected audio encoder untouched, got %d", aCount)
	}
	_ = p
}

func waitForSent(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		count := len(sink.sent)
		sink.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent packets", n)
}
