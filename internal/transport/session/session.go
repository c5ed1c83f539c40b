// Package session implements the subscriber-over-sessions StreamSource and
// the matching session-broadcast Sink, both backed by a libp2p host and
// gossip pubsub topics. One topic per track name; track
// priority only affects join order.
package session

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	ma "github.com/multiformats/go-multiaddr"

	"sesame/internal/transport"
	"sesame/internal/wire"
)

var log = logging.Logger("sesame/transport/session")

// Subscription names a track to join, its relative priority, and what kind
// of payload it carries. Priority only governs join order; delivery
// ordering across tracks is never guaranteed. Kind defaults to TrackVideo
// when left unset, so callers that care about non-video tracks must set it
// explicitly.
type Subscription struct {
	TrackName string
	Priority  int
	Kind      transport.TrackKind
}

// Source is the subscriber-over-sessions StreamSource adapter. It joins one
// pubsub topic per requested track, parses video/audio payloads with the
// wire codec, and forwards everything else as a raw data event.
type Source struct {
	mu sync.Mutex

	host          host.Host
	ps            *pubsub.PubSub
	subs          []Subscription
	topics        map[string]*pubsub.Topic
	subscriptions map[string]*pubsub.Subscription

	handlers map[transport.EventKind][]func(transport.Event)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Source that will join the given track subscriptions, in
// priority order (highest first), once Connect is called. listenAddrs, if
// given, are parsed as multiaddrs and bound explicitly; with none the host
// picks an ephemeral TCP/QUIC listener on every local interface.
func New(subs []Subscription, listenAddrs ...string) (*Source, error) {
	sorted := append([]Subscription(nil), subs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority > sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

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

	return &Source{
		host:          h,
		ps:            ps,
		subs:          sorted,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*pubsub.Subscription),
		handlers:      make(map[transport.EventKind][]func(transport.Event)),
	}, nil
}

// On registers a handler for the given event kind.
func (s *Source) On(kind transport.EventKind, handler func(transport.Event)) {
	s.mu.Lock()
	s.handlers[kind] = append(s.handlers[kind], handler)
	s.mu.Unlock()
}

func (s *Source) emit(ev transport.Event) {
	s.mu.Lock()
	handlers := append([]func(transport.Event){}, s.handlers[ev.Kind]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Connect joins every configured track's topic and starts a read loop per
// track. A session stateChange to "disconnected" is treated as terminal;
// this adapter models that as the read loop's context being cancelled.
func (s *Source) Connect() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, sub := range s.subs {
		topic, err := s.ps.Join(sub.TrackName)
		if err != nil {
			s.emit(transport.Event{Kind: transport.EventError, Track: sub.TrackName, Err: err})
			continue
		}
		subscription, err := topic.Subscribe()
		if err != nil {
			s.emit(transport.Event{Kind: transport.EventError, Track: sub.TrackName, Err: err})
			continue
		}
		s.mu.Lock()
		s.topics[sub.TrackName] = topic
		s.subscriptions[sub.TrackName] = subscription
		s.mu.Unlock()

		go s.readLoop(sub.TrackName, sub.Kind, subscription)
	}

	s.emit(transport.Event{Kind: transport.EventConnected})
	return nil
}

func (s *Source) readLoop(track string, kind transport.TrackKind, subscription *pubsub.Subscription) {
	for {
		msg, err := subscription.Next(s.ctx)
		if err != nil {
			s.emit(transport.Event{Kind: transport.EventDisconnected, Track: track})
			return
		}
		switch kind {
		case transport.TrackVideo, transport.TrackAudio:
			parsed, err := wire.Parse(msg.Data)
			if err != nil {
				log.Warnf("session: discarding malformed packet on track %q: %v", track, err)
				continue
			}
			s.emit(transport.Event{
				Kind:       transport.EventData,
				Track:      track,
				StreamKind: transport.StreamMedia,
				Parsed:     parsed,
			})
		case transport.TrackDataFramed:
			if _, err := wire.Parse(msg.Data); err != nil {
				log.Warnf("session: discarding malformed framed packet on track %q: %v", track, err)
				continue
			}
			s.emit(transport.Event{
				Kind:       transport.EventData,
				Track:      track,
				StreamKind: transport.StreamRaw,
				Raw:        msg.Data,
			})
		default:
			s.emit(transport.Event{
				Kind:       transport.EventData,
				Track:      track,
				StreamKind: transport.StreamRaw,
				Raw:        msg.Data,
			})
		}
	}
}

// Disconnect tears down every topic subscription without disposing the
// host, so Connect can be called again.
func (s *Source) Disconnect() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, subscription := range s.subscriptions {
		subscription.Cancel()
		delete(s.subscriptions, name)
	}
	for name, topic := range s.topics {
		_ = topic.Close()
		delete(s.topics, name)
	}
	return nil
}

// RequestKeyframe has no effect for the subscriber adapter: no topic carries
// keyframe requests back to the publishing Sink.
func (s *Source) RequestKeyframe() error { return nil }

// Dispose closes the libp2p host permanently.
func (s *Source) Dispose() error {
	_ = s.Disconnect()
	return s.host.Close()
}

// listenOpts parses addrs as multiaddrs and returns the matching libp2p
// option, or nil when addrs is empty so libp2p.New falls back to its own
// default listeners.
func listenOpts(addrs []string) ([]libp2p.Option, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	parsed := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("session: invalid listen addr %q: %w", a, err)
		}
		parsed = append(parsed, m)
	}
	return []libp2p.Option{libp2p.ListenAddrs(parsed...)}, nil
}
