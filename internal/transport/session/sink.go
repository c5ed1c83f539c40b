package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"sesame/internal/transport"
)

// audioGroupSize is the default number of audio packets per broadcast
// group.
const audioGroupSize = 50

// Sink is the session-broadcast Sink adapter: it publishes packets to one
// pubsub topic per track and tracks group boundaries per a fixed policy
// (keyframe starts a video group, every 50 packets starts an audio group,
// every send starts a data-track group).
type Sink struct {
	mu sync.Mutex

	host   host.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic

	audioCount map[string]int

	onRequestKeyframe func()
}

// NewSink creates a Sink over a fresh libp2p host. listenAddrs, if given,
// are parsed as multiaddrs and bound explicitly; see New.
func NewSink(listenAddrs ...string) (*Sink, error) {
	opts, err := listenOpts(listenAddrs)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("session: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(context.Background(), h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("session: create pubsub: %w", err)
	}
	return &Sink{
		host:       h,
		ps:         ps,
		topics:     make(map[string]*pubsub.Topic),
		audioCount: make(map[string]int),
	}, nil
}

func (s *Sink) Connect() error    { return nil }
func (s *Sink) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, topic := range s.topics {
		_ = topic.Close()
		delete(s.topics, name)
	}
	return nil
}

func (s *Sink) topicFor(track string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[track]; ok {
		return t, nil
	}
	t, err := s.ps.Join(track)
	if err != nil {
		return nil, err
	}
	s.topics[track] = t
	return t, nil
}

// Send publishes a serialized packet. Before publishing it evaluates this
// track's group-boundary policy (keyframe starts a video group, every 50
// packets starts an audio group, every send starts a data-track group) and
// logs a boundary crossing at debug level, the signal a late-joining
// subscriber's log correlation depends on to tell where it is safe to
// start decoding from.
func (s *Sink) Send(pkt transport.SerializedPacket) error {
	topic, err := s.topicFor(pkt.Track)
	if err != nil {
		return err
	}
	if s.noteGroupBoundary(pkt) {
		log.Debugf("session: group boundary on track %q (keyframe=%v)", pkt.Track, pkt.IsKeyframe)
	}
	return topic.Publish(context.Background(), pkt.Bytes)
}

func (s *Sink) noteGroupBoundary(pkt transport.SerializedPacket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch pkt.TrackKind {
	case transport.TrackVideo:
		return pkt.IsKeyframe
	case transport.TrackAudio:
		n := s.audioCount[pkt.Track]
		newGroup := n%audioGroupSize == 0
		s.audioCount[pkt.Track] = n + 1
		return newGroup
	default:
		return true
	}
}

// SendData publishes raw bytes on an auxiliary data track, bypassing the
// wire codec.
func (s *Sink) SendData(track string, data []byte) error {
	topic, err := s.topicFor(track)
	if err != nil {
		return err
	}
	return topic.Publish(context.Background(), data)
}

// OnRequestKeyframe stores the keyframe-request callback. This sink only
// publishes and subscribes to no topic, so no subscriber request reaches it
// and the stored callback is never invoked.
func (s *Sink) OnRequestKeyframe(handler func()) {
	s.mu.Lock()
	s.onRequestKeyframe = handler
	s.mu.Unlock()
}

// Dispose closes the libp2p host permanently.
func (s *Sink) Dispose() error {
	_ = s.Disconnect()
	return s.host.Close()
}
