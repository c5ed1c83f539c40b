//go:build linux

package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"sesame/internal/wire"
)

// VideoParams configures the camera capture and VP8 encoder.
type VideoParams struct {
	Width, Height int
	BitRate       int // default 1_500_000
}

// AudioParams configures the microphone capture and Opus encoder.
type AudioParams struct {
	BitRate int // default 32_000
}

// mediaDevicesEncoder wraps one mediadevices track's encoded reader as an
// Encoder, following goop2/internal/call/media_linux.go's vp8SelfView
// pattern generalized to both video and audio.
type mediaDevicesEncoder struct {
	track    mediadevices.Track
	reader   mediadevices.EncodedReadCloser
	codec    wire.CodecData
	start    time.Time
	forceKey chan struct{}
}

func (e *mediaDevicesEncoder) CodecData() wire.CodecData { return e.codec }

func (e *mediaDevicesEncoder) ReadFrame() (EncodedFrame, func(), error) {
	buf, release, err := e.reader.Read()
	if err != nil {
		return EncodedFrame{}, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)

	isKey := true
	select {
	case <-e.forceKey:
	default:
		isKey = len(data) > 0 && data[0]&0x01 == 0 // VP8 payload descriptor: P-bit 0 on keyframes
	}

	return EncodedFrame{
		Data:       data,
		PtsUs:      time.Since(e.start).Microseconds(),
		IsKeyframe: isKey,
	}, release, nil
}

func (e *mediaDevicesEncoder) ForceKeyframe() {
	select {
	case e.forceKey <- struct{}{}:
	default:
	}
}

func (e *mediaDevicesEncoder) Close() error {
	err := e.reader.Close()
	e.track.Close()
	return err
}

// NewCameraEncoder opens the default camera via V4L2 and returns a VP8
// Encoder.
func NewCameraEncoder(p VideoParams) (Encoder, error) {
	if p.Width == 0 {
		p.Width = 640
	}
	if p.Height == 0 {
		p.Height = 480
	}
	if p.BitRate == 0 {
		p.BitRate = 1_500_000
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("capture: vp8 params: %w", err)
	}
	vpxParams.BitRate = p.BitRate

	selector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&vpxParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			c.Width = prop.IntRanged{Max: p.Width}
			c.Height = prop.IntRanged{Max: p.Height}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open camera: %w", err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, errors.New("capture: no video track returned by camera")
	}
	videoTrack := tracks[0]

	reader, err := videoTrack.NewEncodedReader(webrtc.MimeTypeVP8)
	if err != nil {
		videoTrack.Close()
		return nil, fmt.Errorf("capture: open vp8 encoded reader: %w", err)
	}

	return &mediaDevicesEncoder{
		track:  videoTrack,
		reader: reader,
		codec: wire.CodecData{
			CodecType:   wire.CodecVP8,
			Width:       uint16(p.Width),
			Height:      uint16(p.Height),
			TimebaseNum: 1,
			TimebaseDen: 1_000_000,
		},
		start:    time.Now(),
		forceKey: make(chan struct{}, 1),
	}, nil
}

// NewMicrophoneEncoder opens the default microphone via malgo and returns
// an Opus Encoder.
func NewMicrophoneEncoder(p AudioParams) (Encoder, error) {
	if p.BitRate == 0 {
		p.BitRate = 32_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("capture: opus params: %w", err)
	}
	opusParams.BitRate = p.BitRate

	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, errors.New("capture: no audio track returned by microphone")
	}
	audioTrack := tracks[0]

	reader, err := audioTrack.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		audioTrack.Close()
		return nil, fmt.Errorf("capture: open opus encoded reader: %w", err)
	}

	return &mediaDevicesEncoder{
		track:  audioTrack,
		reader: reader,
		codec: wire.CodecData{
			CodecType:   wire.CodecOpus,
			SampleRate:  48000,
			Channels:    2,
			TimebaseNum: 1,
			TimebaseDen: 1_000_000,
		},
		start:    time.Now(),
		forceKey: make(chan struct{}, 1),
	}, nil
}
