// Package playererr defines the error taxonomy shared by the player,
// transport adapters, and decoder harness.
package playererr

import "errors"

var (
	// ErrUnsupportedCodec means codecid.String returned ok=false, or the
	// decoder rejected every candidate configuration. Fatal: the player
	// transitions to error and stops.
	ErrUnsupportedCodec = errors.New("playererr: unsupported codec")

	// ErrConfigureFailed means a supported codec identity was rejected by
	// the decoder backend. Recoverable on the next keyframe with a
	// different codec identity.
	ErrConfigureFailed = errors.New("playererr: decoder configure failed")

	// ErrTransport is reported by the live player when its transport source
	// emits an error event. An adapter with auto-reconnect configured redials
	// after an unsolicited close and emits only a disconnect event.
	ErrTransport = errors.New("playererr: transport error")

	// ErrRequestTimeout means a request/response adapter's pending request
	// was not acknowledged before its deadline.
	ErrRequestTimeout = errors.New("playererr: request timeout")

	// ErrQueueOverflow means the decoder's pending-chunk count exceeded its
	// configured bound. Handled locally by flush + keyframe request; never
	// surfaced as fatal by the player.
	ErrQueueOverflow = errors.New("playererr: decoder queue overflow")

	// ErrBufferTimeout means the file player's buffer-ready barrier expired
	// with fewer than one decoded frame buffered.
	ErrBufferTimeout = errors.New("playererr: buffer-ready timeout")
)

// Fatal wraps an error that represents an invariant violation that must
// never occur, and must be surfaced rather than swallowed.
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return "fatal: " + f.Err.Error() }

func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal wraps err as a Fatal invariant violation.
func NewFatal(err error) error { return &Fatal{Err: err} }
