// Package transport defines the StreamSource/Sink abstraction the player
// and capture pipeline consume, independent of which adapter carries bytes.
// Concrete adapters live in the session and wsrpc subpackages.
package transport

import "sesame/internal/wire"

// EventKind tags the events a StreamSource delivers to its handlers.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventData
)

// StreamKind distinguishes a data event's payload shape.
type StreamKind int

const (
	StreamMedia StreamKind = iota
	StreamRaw
)

// TrackKind classifies what a track carries, resolving the "is this a
// media track or a data track" question explicitly at subscribe/publish
// time instead of inferring it from the track name string.
type TrackKind int

const (
	// TrackVideo and TrackAudio carry Sesame-wire video/audio frames.
	TrackVideo TrackKind = iota
	TrackAudio
	// TrackData carries raw, non-wire-encoded bytes (e.g. a control or
	// presence channel) delivered to handlers untouched.
	TrackData
	// TrackDataFramed carries Sesame-wire-encoded non-media payloads
	// (wire.TypeMuxedData/TypeDecoderData): validated against the wire
	// codec on receipt, then delivered as raw bytes.
	TrackDataFramed
)

// Event is what a StreamSource hands to its registered handlers. Handlers
// may be invoked on any goroutine; ordering is only guaranteed within one
// Track.
type Event struct {
	Kind  EventKind
	Track string

	StreamKind StreamKind
	Parsed     wire.ParsedPacket // valid when StreamKind == StreamMedia
	Raw        []byte            // valid when StreamKind == StreamRaw

	Err error // valid when Kind == EventError
}

// Source is the uniform interface the player consumes regardless of
// whether frames arrive over a pubsub session or a request/response
// websocket.
type Source interface {
	Connect() error
	Disconnect() error
	// RequestKeyframe asks the remote encoder to emit a keyframe soon.
	// Adapters that cannot honor this (e.g. a pure file source) return nil
	// without effect.
	RequestKeyframe() error
	// On registers a handler for the given event kind. Handlers accumulate;
	// there is no unsubscribe, matching's one-shot handler
	// list model.
	On(kind EventKind, handler func(Event))
	Dispose() error
}

// SerializedPacket is what a Sink transmits: an already wire-encoded
// packet plus the routing metadata a broadcast sink needs to decide group
// boundaries.
type SerializedPacket struct {
	Track      string
	Bytes      []byte
	IsKeyframe bool
	TsUs       int64
	Kind       StreamKind
	// TrackKind tells a broadcast Sink which group-boundary policy to
	// apply; it defaults to TrackVideo if left unset.
	TrackKind TrackKind
}

// Sink is the capture pipeline's output side.
type Sink interface {
	Connect() error
	Disconnect() error
	Send(pkt SerializedPacket) error
	// SendData ships raw bytes on an auxiliary data track, bypassing the
	// wire codec entirely.
	SendData(track string, data []byte) error
	// OnRequestKeyframe registers the callback invoked when the remote
	// player asks for a keyframe.
	OnRequestKeyframe(handler func())
	Dispose() error
}
