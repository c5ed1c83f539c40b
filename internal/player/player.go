// Package player implements the live playback state machine: codec-change
// reconfiguration, the wait-for-keyframe invariant, and the
// play/pause/getVideoFrame surface.
package player

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/codecid"
	"sesame/internal/decoder"
	"sesame/internal/playererr"
	"sesame/internal/scheduler"
	"sesame/internal/transport"
	"sesame/internal/util"
	"sesame/internal/wire"
)

var log = logging.Logger("sesame/player")

// State is the live player's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// decodeState tracks the sub-state machine around codec reconfiguration
// that runs underneath the coarse lifecycle state.
type decodeState int

const (
	decodeWaitingKeyframe decodeState = iota
	decodeConfiguring
	decodeConfigured
)

const keyframeRequestInterval = 1 * time.Second

// Config configures a Player.
type Config struct {
	Source transport.Source

	// VideoTrackName filters video packets to one track; empty selects
	// "video", so there is no setting that accepts every track.
	VideoTrackName string
	// AudioTrackName routes a track's media packets as audio (dropped
	// unless EnableAudio is set); empty selects "audio".
	AudioTrackName string
	EnableAudio    bool

	Backend      decoder.Backend
	MaxQueueSize int

	BufferDelayMs int

	OnError func(err error)
}

// Player is the live playback state machine.
type Player struct {
	mu sync.Mutex

	cfg       Config
	state     State
	decodeSt  decodeState

	source    transport.Source
	dec       *decoder.Harness
	sched     *scheduler.Scheduler

	currentIdentity *codecid.Identity
	queuedPackets   []wire.ParsedPacket

	audioIdentity *codecid.Identity
	audioDecodeSt decodeState

	lastKeyframeReq time.Time
	lastFrame       scheduler.Frame
	haveLastFrame   bool

	// arrivalMu guards arrivalTimes on its own so onDecodedFrame never needs
	// p.mu, which the caller of Decode already holds.
	arrivalMu    sync.Mutex
	arrivalTimes map[int64]int64 // pts_us -> arrival_time_us, for in-flight packets
}

// New constructs a Player wired to the given source and decoder.
func New(cfg Config) *Player {
	if cfg.VideoTrackName == "" {
		cfg.VideoTrackName = "video"
	}
	if cfg.AudioTrackName == "" {
		cfg.AudioTrackName = "audio"
	}
	p := &Player{
		cfg:           cfg,
		state:         StateIdle,
		decodeSt:      decodeWaitingKeyframe,
		audioDecodeSt: decodeWaitingKeyframe,
		source:        cfg.Source,
		sched:         scheduler.New(scheduler.Config{BufferDelayMs: cfg.BufferDelayMs}),
		arrivalTimes:  make(map[int64]int64),
	}
	p.dec = decoder.New(decoder.Config{
		Backend:      cfg.Backend,
		MaxQueueSize: cfg.MaxQueueSize,
		OnOverflow:   func(int) { p.handleDecoderOverflow() },
	}, p.onDecodedFrame)

	cfg.Source.On(transport.EventData, p.handleData)
	cfg.Source.On(transport.EventError, p.handleTransportError)
	return p
}

func (p *Player) emitError(err error) {
	p.state = StateError
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

func (p *Player) handleTransportError(ev transport.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitError(playererr.ErrTransport)
}

// acceptsVideoTrack implements the track-filter rule: only packets from the
// configured video track are accepted. New never leaves the name empty, so
// the empty-name branch is not reached for a Player built by New.
func (p *Player) acceptsVideoTrack(ev transport.Event) bool {
	if p.cfg.VideoTrackName == "" {
		return true
	}
	return ev.Track == p.cfg.VideoTrackName
}

func (p *Player) isAudioEvent(ev transport.Event) bool {
	return ev.Parsed.Header.Type == wire.TypeAudioFrame || ev.StreamKind == transport.StreamMedia && ev.Track == p.cfg.AudioTrackName
}

func (p *Player) handleData(ev transport.Event) {
	if ev.StreamKind != transport.StreamMedia || !ev.Parsed.Valid {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isAudioEvent(ev) {
		if p.cfg.EnableAudio {
			p.handleAudioPacket(ev.Parsed)
		}
		return
	}

	if !p.acceptsVideoTrack(ev) {
		return
	}
	p.handleVideoPacket(ev.Parsed)
}

// handleAudioPacket applies the same codec-change reconfigure policy as
// video (identity tracking, wait-for-keyframe), but decoding audio itself is
// out of core scope: once a packet clears the gate it is acknowledged and
// dropped rather than handed to a decoder.
func (p *Player) handleAudioPacket(pkt wire.ParsedPacket) {
	if pkt.CodecData != nil {
		identity := codecidFromWire(*pkt.CodecData)
		if codecid.Changed(p.audioIdentity, &identity) {
			if !pkt.Header.IsKeyframe {
				p.maybeRequestKeyframe()
				return // drop, keep waiting for an audio keyframe
			}
			p.audioIdentity = &identity
			p.audioDecodeSt = decodeConfigured
			return
		}
	}

	if p.audioDecodeSt == decodeWaitingKeyframe {
		if !pkt.Header.IsKeyframe {
			p.maybeRequestKeyframe()
			return
		}
		p.audioDecodeSt = decodeConfigured
	}
}

func (p *Player) handleVideoPacket(pkt wire.ParsedPacket) {
	if pkt.CodecData != nil {
		identity := codecidFromWire(*pkt.CodecData)
		if codecid.Changed(p.currentIdentity, &identity) {
			if !pkt.Header.IsKeyframe {
				p.maybeRequestKeyframe()
				return // drop, keep waiting for a keyframe
			}
			p.beginReconfigure(identity, pkt)
			return
		}
	}

	switch p.decodeSt {
	case decodeConfiguring:
		p.queuedPackets = append(p.queuedPackets, pkt)
		return
	case decodeWaitingKeyframe:
		if !pkt.Header.IsKeyframe {
			p.maybeRequestKeyframe()
			return
		}
		p.decodeSt = decodeConfigured
	}

	p.submitToDecoder(pkt)
}

func (p *Player) beginReconfigure(identity codecid.Identity, keyframe wire.ParsedPacket) {
	p.decodeSt = decodeConfiguring
	p.queuedPackets = append(p.queuedPackets[:0], keyframe)

	codecString, ok := codecid.String(*keyframe.CodecData)
	if !ok {
		p.emitError(playererr.ErrUnsupportedCodec)
		return
	}
	if err := p.dec.Configure(identity, codecString); err != nil {
		p.emitError(playererr.ErrConfigureFailed)
		return
	}

	p.currentIdentity = &identity
	p.decodeSt = decodeConfigured

	queued := p.queuedPackets
	p.queuedPackets = nil
	for _, pkt := range queued {
		p.submitToDecoder(pkt)
	}
}

func (p *Player) submitToDecoder(pkt wire.ParsedPacket) {
	ptsUs := int64(codecid.Rescale(pkt.Header.PTS, streamTimebase(pkt), codecid.Microseconds))
	p.arrivalMu.Lock()
	p.arrivalTimes[ptsUs] = nowMicros()
	p.arrivalMu.Unlock()

	if _, err := p.dec.DecodePacket(pkt, streamTimebase(pkt)); err != nil {
		log.Warnf("player: decode error: %v", err)
	}
}

func streamTimebase(pkt wire.ParsedPacket) codecid.Timebase {
	if pkt.CodecData != nil && pkt.CodecData.TimebaseDen != 0 {
		return codecid.Timebase{Num: uint64(pkt.CodecData.TimebaseNum), Den: uint64(pkt.CodecData.TimebaseDen)}
	}
	return codecid.Microseconds
}

func (p *Player) handleDecoderOverflow() {
	log.Warnf("player: decoder overflow, flushing")
	_ = p.dec.Flush()
	p.sched.Clear()
	p.decodeSt = decodeWaitingKeyframe
	p.audioDecodeSt = decodeWaitingKeyframe
	p.requestKeyframeNow()
}

func (p *Player) maybeRequestKeyframe() {
	now := time.Now()
	if now.Sub(p.lastKeyframeReq) < keyframeRequestInterval {
		return
	}
	p.requestKeyframeNow()
}

func (p *Player) requestKeyframeNow() {
	p.lastKeyframeReq = time.Now()
	if p.source != nil {
		_ = p.source.RequestKeyframe()
	}
}

// onDecodedFrame is registered as the decoder harness's frame callback; it
// enqueues the decoded frame into the scheduler, keyed by its arrival time.
// It does not take p.mu, so a backend may call it from inside Decode.
func (p *Player) onDecodedFrame(f scheduler.Frame) {
	p.arrivalMu.Lock()
	arrival, ok := p.arrivalTimes[f.TimestampUs]
	if ok {
		delete(p.arrivalTimes, f.TimestampUs)
	}
	p.arrivalMu.Unlock()
	now := nowMicros()
	p.sched.Enqueue(f, f.TimestampUs, scheduler.Timing{
		ArrivalTimeUs: arrival,
		DecodeTimeUs:  now,
	})
}

func codecidFromWire(cd wire.CodecData) codecid.Identity {
	return codecid.FromCodecData(cd)
}

// Play transitions to the playing state.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateError {
		p.state = StatePlaying
	}
}

// Pause transitions to the paused state.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateError {
		p.state = StatePaused
	}
}

// State reports the player's current lifecycle state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetVideoFrame returns the frame that should be on screen at now_ms. In
// any state other than playing it returns the last displayed frame without
// pulling the scheduler; while playing it dequeues, releasing the
// previously displayed frame if a new one replaces it.
func (p *Player) GetVideoFrame(nowMs int64) (scheduler.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePlaying {
		return p.lastFrame, p.haveLastFrame
	}

	f, ok := p.sched.Dequeue(nowMs)
	if !ok {
		return p.lastFrame, p.haveLastFrame
	}
	if p.haveLastFrame && p.lastFrame.TimestampUs != f.TimestampUs && p.lastFrame.Release != nil {
		p.lastFrame.Release()
	}
	p.lastFrame = f
	p.haveLastFrame = true
	return f, true
}

// SetPreferredDecoder switches decoder family, disposing and resetting
// state if the new kind differs from the live one.
func (p *Player) SetPreferredDecoder(kind decoder.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dec != nil && p.dec.Kind() == kind {
		return
	}
	if p.dec != nil {
		_ = p.dec.Dispose()
	}
	p.sched.Clear()
	p.currentIdentity = nil
	p.decodeSt = decodeWaitingKeyframe
	p.requestKeyframeNow()
}

// Flush discards decoder and scheduler state and re-arms the
// wait-for-keyframe invariant.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.dec.Flush()
	p.sched.Clear()
	p.decodeSt = decodeWaitingKeyframe
	p.audioDecodeSt = decodeWaitingKeyframe
	p.requestKeyframeNow()
}

// Telemetry exposes the underlying scheduler's telemetry snapshot.
func (p *Player) Telemetry() scheduler.Telemetry {
	return p.sched.Telemetry()
}

func nowMicros() int64 {
	return util.NowMicros()
}
