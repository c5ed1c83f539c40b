package wsrpc

import (
	"testing"
	"time"

	"sesame/internal/transport"
	"sesame/internal/wire"
)

func TestHandleMediaFrameDropsBelowWatermark(t *testing.T) {
	s := New(Config{})
	s.ignoreBelow = 100

	var delivered []uint64
	s.On(transport.EventData, func(ev transport.Event) {
		delivered = append(delivered, ev.Parsed.Header.ID)
	})

	below, err := wire.Serialize(wire.Header{ID: 50, Type: wire.TypeVideoFrame}, "", nil, []byte{1})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	above, err := wire.Serialize(wire.Header{ID: 150, Type: wire.TypeVideoFrame}, "", nil, []byte{1})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	s.handleMediaFrame(below)
	s.handleMediaFrame(above)

	if len(delivered) != 1 || delivered[0] != 150 {
		t.Fatalf("expected only id=150 delivered, got %v", delivered)
	}
}

func TestKeyframeRateLimitBlocksRapidRequests(t *testing.T) {
	s := New(Config{})
	s.lastKeyframeReq = time.Now()

	// A request issued immediately after should be suppressed before ever
	// reaching the network: sendRequest would fail fast since s.conn is nil,
	// but the rate limiter must short-circuit first and return nil.
	if err := s.RequestKeyframe(); err != nil {
		t.Fatalf("expected rate-limited RequestKeyframe to return nil, got %v", err)
	}
}

func TestKeyframeRateLimitAllowsAfterInterval(t *testing.T) {
	s := New(Config{})
	s.lastKeyframeReq = time.Now().Add(-2 * time.Second)

	err := s.RequestKeyframe()
	if err == nil {
		t.Fatal("expected error since no connection is established, meaning the rate limiter did not short-circuit")
	}
}
