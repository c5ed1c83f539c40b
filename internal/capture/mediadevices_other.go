//go:build !linux

package capture

import "errors"

// VideoParams configures the camera capture and VP8 encoder.
type VideoParams struct {
	Width, Height int
	BitRate       int
}

// AudioParams configures the microphone capture and Opus encoder.
type AudioParams struct {
	BitRate int
}

// NewCameraEncoder is unavailable outside Linux: pion/mediadevices camera
// capture requires the V4L2 driver (goop2/internal/call/media_other.go
// takes the same receive-only fallback on non-Linux platforms).
func NewCameraEncoder(VideoParams) (Encoder, error) {
	return nil, errors.New("capture: camera capture requires linux (V4L2)")
}

// NewMicrophoneEncoder is unavailable outside Linux: pion/mediadevices
// microphone capture requires malgo's Linux backend.
func NewMicrophoneEncoder(AudioParams) (Encoder, error) {
	return nil, errors.New("capture: microphone capture requires linux (malgo)")
}
