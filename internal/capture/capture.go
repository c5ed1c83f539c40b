// Package capture drives a configurable video/audio encoder, packetizes
// its output through the Sesame wire codec, and hands packets to a
// transport.Sink. Grounded on goop2/internal/call's
// pion/mediadevices capture pattern, generalized from a WebRTC self-view
// reader into a Sesame wire-codec producer.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/transport"
	"sesame/internal/wire"
)

var log = logging.Logger("sesame/capture")

// EncodedFrame is one access unit an Encoder produces.
type EncodedFrame struct {
	Data       []byte
	PtsUs      int64
	IsKeyframe bool
}

// Encoder is the capture-side counterpart to decoder.Backend: it produces
// encoded chunks from a live camera/microphone or synthetic source.
// Implementations deliver frames synchronously from ReadFrame, matching
// pion/mediadevices' EncodedReadCloser.Read contract
// (goop2/internal/call/media_linux.go's vp8SelfView).
type Encoder interface {
	// CodecData describes the stream for the wire codec-data block; it may
	// be re-read after ForceKeyframe if resolution/bitrate changed.
	CodecData() wire.CodecData
	// ReadFrame blocks until the next encoded frame is ready. release must
	// be called once the caller is done with data.
	ReadFrame() (frame EncodedFrame, release func(), err error)
	// ForceKeyframe asks the encoder to emit a keyframe at the next
	// opportunity. Best-effort; encoders that cannot honor it may no-op.
	ForceKeyframe()
	Close() error
}

// TrackConfig configures one capture track.
type TrackConfig struct {
	Name       string // wire sink track name, e.g. "video" or "audio"
	PacketType wire.PacketType
	Encoder    Encoder
	// TimestampOffsetUs is added to every frame's pts before packetizing,
	// used to align an audio track's clock to the video track's.
	TimestampOffsetUs int64
}

type track struct {
	cfg     TrackConfig
	nextID  uint64
	stop    chan struct{}
	stopped chan struct{}
}

// Pipeline drives one or more capture tracks into a shared Sink.
type Pipeline struct {
	mu     sync.Mutex
	sink   transport.Sink
	tracks []*track
	closed atomic.Bool
}

// New builds a Pipeline over sink. No track runs until Start is called,
// which starts them all; the sink's keyframe-request callback is wired so that
// any request forces a keyframe on every video track.
func New(sink transport.Sink, tracks ...TrackConfig) *Pipeline {
	p := &Pipeline{sink: sink}
	for _, cfg := range tracks {
		p.tracks = append(p.tracks, &track{cfg: cfg, stop: make(chan struct{}), stopped: make(chan struct{})})
	}
	sink.OnRequestKeyframe(p.forceKeyframes)
	return p
}

func (p *Pipeline) forceKeyframes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tracks {
		if t.cfg.PacketType == wire.TypeVideoFrame {
			log.Infof("capture: keyframe requested, forcing on track %q", t.cfg.Name)
			t.cfg.Encoder.ForceKeyframe()
		}
	}
}

// Start connects the sink (once, idempotently handled by the caller) and
// launches every track's encode loop in its own goroutine.
func (p *Pipeline) Start() error {
	if err := p.sink.Connect(); err != nil {
		return fmt.Errorf("capture: connect sink: %w", err)
	}
	for _, t := range p.tracks {
		go p.runTrack(t)
	}
	return nil
}

func (p *Pipeline) runTrack(t *track) {
	defer close(t.stopped)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		frame, release, err := t.cfg.Encoder.ReadFrame()
		if err != nil {
			log.Warnf("capture: track %q read error: %v", t.cfg.Name, err)
			return
		}

		if err := p.sendFrame(t, frame); err != nil {
			log.Warnf("capture: track %q send error: %v", t.cfg.Name, err)
		}
		if release != nil {
			release()
		}
	}
}

func (p *Pipeline) sendFrame(t *track, frame EncodedFrame) error {
	cd := t.cfg.Encoder.CodecData()

	flags := wire.FlagHasCodecData
	if frame.IsKeyframe {
		flags |= wire.FlagIsKeyframe
	}

	id := atomic.AddUint64(&t.nextID, 1)
	ptsUs := frame.PtsUs + t.cfg.TimestampOffsetUs

	header := wire.Header{
		Flags:      flags,
		PTS:        uint64(ptsUs),
		ID:         id,
		Type:       t.cfg.PacketType,
		IsKeyframe: frame.IsKeyframe,
	}

	bytes, err := wire.Serialize(header, "", &cd, frame.Data)
	if err != nil {
		return fmt.Errorf("serialize: %w", err)
	}

	return p.sink.Send(transport.SerializedPacket{
		Track:      t.cfg.Name,
		Bytes:      bytes,
		IsKeyframe: frame.IsKeyframe,
		TsUs:       ptsUs,
		Kind:       transport.StreamMedia,
		TrackKind:  trackKindFor(t.cfg.PacketType),
	})
}

// trackKindFor maps a wire packet type to the broadcast-grouping policy it
// should receive; see transport.TrackKind.
func trackKindFor(pt wire.PacketType) transport.TrackKind {
	switch pt {
	case wire.TypeVideoFrame:
		return transport.TrackVideo
	case wire.TypeAudioFrame:
		return transport.TrackAudio
	case wire.TypeMuxedData, wire.TypeDecoderData:
		return transport.TrackDataFramed
	default:
		return transport.TrackData
	}
}

// Stop halts every track's encode loop and waits for it to exit, then
// disposes the encoders and the sink.
func (p *Pipeline) Stop() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, t := range p.tracks {
		close(t.stop)
	}
	for _, t := range p.tracks {
		<-t.stopped
		if err := t.cfg.Encoder.Close(); err != nil {
			log.Warnf("capture: close encoder %q: %v", t.cfg.Name, err)
		}
	}
	return p.sink.Dispose()
}
