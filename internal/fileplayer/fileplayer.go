// Package fileplayer implements the file playback state machine: demux,
// lazy decoder feeding, an insertion-sorted decoded-frame buffer, seek,
// and loop mode.
package fileplayer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"sesame/internal/codecid"
	"sesame/internal/decoder"
	"sesame/internal/playererr"
	"sesame/internal/scheduler"
	"sesame/internal/wire"
)

var log = logging.Logger("sesame/fileplayer")

// State is the file player's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateEnded
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// PlayMode controls end-of-stream behavior.
type PlayMode int

const (
	PlayOnce PlayMode = iota
	PlayLoop
)

// SampleTrack distinguishes a demuxed sample's track.
type SampleTrack int

const (
	TrackVideo SampleTrack = iota
	TrackAudio
)

// Sample is one demuxed access unit.
type Sample struct {
	Track      SampleTrack
	PtsMs      int64
	IsKeyframe bool
	Data       []byte
}

// Info describes a loaded file's tracks, read once after Load succeeds.
type Info struct {
	VideoCodec   wire.CodecData
	AudioCodec   *wire.CodecData
	DurationMs   int64
}

// Demuxer is the file/URL source abstraction. Implementations
// parse a container and hand out samples in file order.
type Demuxer interface {
	Load(ctx context.Context, target string) (Info, error)
	// NextSample returns the next sample in file order, or ok=false at
	// end of stream.
	NextSample() (sample Sample, ok bool, err error)
	// SeekToKeyframeAtOrBefore repositions the read cursor to the nearest
	// keyframe at or before targetMs and resets sample indices.
	SeekToKeyframeAtOrBefore(targetMs int64) error
	Close() error
}

const (
	defaultMaxDecoderQueue = 10
	defaultAudioLookAheadMs = 2000
	defaultMinBufferFrames  = 3
	bufferReadyTimeout      = 5 * time.Second
)

type decodedFrame struct {
	frame scheduler.Frame
	ptsMs int64
}

// Config configures a FilePlayer.
type Config struct {
	Demuxer Demuxer

	VideoBackend decoder.Backend
	AudioBackend decoder.Backend // optional

	MaxDecoderQueue  int
	AudioLookAheadMs int64
	MinBufferFrames  int

	PlayMode PlayMode

	OnError func(err error)
	OnLoop  func()
}

// FilePlayer is the file playback state machine.
type FilePlayer struct {
	mu sync.Mutex

	cfg Config

	state State
	info  Info

	videoDec *decoder.Harness
	audioDec *decoder.Harness

	videoBuf []decodedFrame
	audioBuf []decodedFrame

	playStartTime     time.Time
	playStartPosition int64
	frozenPosition    int64

	lastFrame     scheduler.Frame
	haveLastFrame bool

	bufferReady chan struct{}
}

// New constructs a FilePlayer. Load must be called before playback.
func New(cfg Config) *FilePlayer {
	if cfg.MaxDecoderQueue == 0 {
		cfg.MaxDecoderQueue = defaultMaxDecoderQueue
	}
	if cfg.AudioLookAheadMs == 0 {
		cfg.AudioLookAheadMs = defaultAudioLookAheadMs
	}
	if cfg.MinBufferFrames == 0 {
		cfg.MinBufferFrames = defaultMinBufferFrames
	}
	fp := &FilePlayer{cfg: cfg, state: StateIdle}
	return fp
}

// Load demuxes target, configures both decoders, and blocks behind the
// buffer-ready barrier: either min_buffer_frames have decoded or a 5s
// timeout elapses.
func (fp *FilePlayer) Load(ctx context.Context, target string) error {
	fp.mu.Lock()
	fp.state = StateLoading
	fp.mu.Unlock()

	info, err := fp.cfg.Demuxer.Load(ctx, target)
	if err != nil {
		fp.mu.Lock()
		fp.state = StateError
		fp.mu.Unlock()
		return fmt.Errorf("fileplayer: load: %w", err)
	}

	fp.mu.Lock()
	fp.info = info
	fp.bufferReady = make(chan struct{}, 1)
	fp.mu.Unlock()

	videoCodecString, ok := codecid.String(info.VideoCodec)
	if !ok {
		fp.mu.Lock()
		fp.state = StateError
		fp.mu.Unlock()
		return playererr.ErrUnsupportedCodec
	}

	fp.videoDec = decoder.New(decoder.Config{Backend: fp.cfg.VideoBackend, MaxQueueSize: fp.cfg.MaxDecoderQueue}, fp.onVideoFrame)
	if err := fp.videoDec.Configure(codecid.FromCodecData(info.VideoCodec), videoCodecString); err != nil {
		fp.mu.Lock()
		fp.state = StateError
		fp.mu.Unlock()
		return playererr.ErrConfigureFailed
	}

	if info.AudioCodec != nil && fp.cfg.AudioBackend != nil {
		audioCodecString, ok := codecid.String(*info.AudioCodec)
		if ok {
			fp.audioDec = decoder.New(decoder.Config{Backend: fp.cfg.AudioBackend, MaxQueueSize: fp.cfg.MaxDecoderQueue}, fp.onAudioFrame)
			if err := fp.audioDec.Configure(codecid.FromCodecData(*info.AudioCodec), audioCodecString); err != nil {
				log.Warnf("fileplayer: audio configure failed, continuing video-only: %v", err)
				fp.audioDec = nil
			}
		}
	}

	go fp.feedLoop()

	select {
	case <-fp.bufferReady:
	case <-time.After(bufferReadyTimeout):
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.videoBuf) == 0 {
		fp.state = StateError
		return fmt.Errorf("fileplayer: %w: no frames decoded within %s, container may not be progressive", playererr.ErrBufferTimeout, bufferReadyTimeout)
	}
	fp.state = StateReady
	return nil
}

// feedLoop pumps samples from the demuxer into the decoders, bounded by
// max_decoder_queue for video and position+audio_look_ahead_ms for audio.
// It runs for the lifetime of one loaded file.
func (fp *FilePlayer) feedLoop() {
	for {
		fp.mu.Lock()
		pending := fp.videoDec.PendingCount()
		pos := fp.currentPositionMsLocked()
		audioLookAhead := fp.cfg.AudioLookAheadMs
		fp.mu.Unlock()

		if pending >= fp.cfg.MaxDecoderQueue {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		sample, ok, err := fp.cfg.Demuxer.NextSample()
		if err != nil {
			fp.mu.Lock()
			fp.state = StateError
			fp.mu.Unlock()
			if fp.cfg.OnError != nil {
				fp.cfg.OnError(err)
			}
			return
		}
		if !ok {
			return
		}

		if sample.Track == TrackAudio {
			if fp.audioDec == nil {
				continue
			}
			for sample.PtsMs > pos+audioLookAhead {
				time.Sleep(5 * time.Millisecond)
				fp.mu.Lock()
				pos = fp.currentPositionMsLocked()
				fp.mu.Unlock()
			}
			chunkType := decoder.ChunkDelta
			if sample.IsKeyframe {
				chunkType = decoder.ChunkKey
			}
			_ = fp.audioDec.Decode(decoder.Chunk{Data: sample.Data, PtsUs: sample.PtsMs * 1000, Type: chunkType})
			continue
		}

		chunkType := decoder.ChunkDelta
		if sample.IsKeyframe {
			chunkType = decoder.ChunkKey
		}
		if err := fp.videoDec.Decode(decoder.Chunk{Data: sample.Data, PtsUs: sample.PtsMs * 1000, Type: chunkType}); err != nil {
			log.Warnf("fileplayer: video decode error: %v", err)
		}
	}
}

func (fp *FilePlayer) onVideoFrame(f scheduler.Frame) {
	fp.mu.Lock()
	insertSorted(&fp.videoBuf, decodedFrame{frame: f, ptsMs: f.TimestampUs / 1000})
	ready := len(fp.videoBuf) >= fp.cfg.MinBufferFrames
	fp.mu.Unlock()
	if ready && fp.bufferReady != nil {
		select {
		case fp.bufferReady <- struct{}{}:
		default:
		}
	}
}

func (fp *FilePlayer) onAudioFrame(f scheduler.Frame) {
	fp.mu.Lock()
	insertSorted(&fp.audioBuf, decodedFrame{frame: f, ptsMs: f.TimestampUs / 1000})
	fp.mu.Unlock()
}

func insertSorted(buf *[]decodedFrame, df decodedFrame) {
	i := sort.Search(len(*buf), func(i int) bool { return (*buf)[i].ptsMs >= df.ptsMs })
	*buf = append(*buf, decodedFrame{})
	copy((*buf)[i+1:], (*buf)[i:])
	(*buf)[i] = df
}

func (fp *FilePlayer) currentPositionMsLocked() int64 {
	switch fp.state {
	case StatePlaying:
		return fp.playStartPosition + time.Since(fp.playStartTime).Milliseconds()
	default:
		return fp.frozenPosition
	}
}

// Play transitions ready/paused to playing, establishing the play-start
// anchor.
func (fp *FilePlayer) Play() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.state != StateReady && fp.state != StatePaused {
		return
	}
	fp.playStartTime = time.Now()
	fp.playStartPosition = fp.frozenPosition
	fp.state = StatePlaying
}

// Pause freezes the current wall-clock position.
func (fp *FilePlayer) Pause() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.state != StatePlaying {
		return
	}
	fp.frozenPosition = fp.currentPositionMsLocked()
	fp.state = StatePaused
}

// State reports the file player's current lifecycle state.
func (fp *FilePlayer) State() State {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.state
}

// Seek jumps to the nearest keyframe at or before targetMs: both sample
// indices reset (via the demuxer), both decoders are reset, the frame
// buffers are cleared, and decoding resumes.
func (fp *FilePlayer) Seek(targetMs int64) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if err := fp.cfg.Demuxer.SeekToKeyframeAtOrBefore(targetMs); err != nil {
		return fmt.Errorf("fileplayer: seek: %w", err)
	}
	if fp.videoDec != nil {
		_ = fp.videoDec.Reset()
	}
	if fp.audioDec != nil {
		_ = fp.audioDec.Reset()
	}
	fp.videoBuf = nil
	fp.audioBuf = nil
	fp.frozenPosition = targetMs
	fp.playStartPosition = targetMs
	fp.playStartTime = time.Now()
	return nil
}

// GetVideoFrame returns the latest decoded frame with ts_ms <=
// current_position_ms, dropping all earlier frames from the buffer.
// Outside playing it reports the frame at the frozen position without
// advancing.
func (fp *FilePlayer) GetVideoFrame(nowMs int64) (scheduler.Frame, bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	pos := fp.currentPositionMsLocked()

	if fp.cfg.PlayMode == PlayLoop && fp.info.DurationMs > 0 && pos >= fp.info.DurationMs {
		fp.loopLocked()
		pos = 0
	}

	i := sort.Search(len(fp.videoBuf), func(i int) bool { return fp.videoBuf[i].ptsMs > pos })
	if i == 0 {
		return fp.lastFrame, fp.haveLastFrame
	}
	selected := fp.videoBuf[i-1]

	for _, dropped := range fp.videoBuf[:i-1] {
		if dropped.frame.Release != nil {
			dropped.frame.Release()
		}
	}
	fp.videoBuf = fp.videoBuf[i-1:]

	if fp.haveLastFrame && fp.lastFrame.TimestampUs != selected.frame.TimestampUs && fp.lastFrame.Release != nil {
		fp.lastFrame.Release()
	}
	fp.lastFrame = selected.frame
	fp.haveLastFrame = true

	if fp.info.DurationMs > 0 && pos >= fp.info.DurationMs && fp.cfg.PlayMode == PlayOnce {
		fp.state = StateEnded
	}

	return selected.frame, true
}

// loopLocked resets position and sample indices to 0 and clears the frame
// buffer; the decoder need not be reconfigured because sample 0 is a
// keyframe. Caller must hold fp.mu.
func (fp *FilePlayer) loopLocked() {
	_ = fp.cfg.Demuxer.SeekToKeyframeAtOrBefore(0)
	fp.videoBuf = nil
	fp.audioBuf = nil
	fp.playStartPosition = 0
	fp.playStartTime = time.Now()
	fp.frozenPosition = 0
	if fp.cfg.OnLoop != nil {
		fp.cfg.OnLoop()
	}
}

// SetPlayMode changes once/loop behavior for future end-of-stream checks.
func (fp *FilePlayer) SetPlayMode(mode PlayMode) {
	fp.mu.Lock()
	fp.cfg.PlayMode = mode
	fp.mu.Unlock()
}
