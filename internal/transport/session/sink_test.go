package session

import (
	"testing"

	"sesame/internal/transport"
)

func newTestSink() *Sink {
	return &Sink{audioCount: make(map[string]int)}
}

func TestNoteGroupBoundaryVideoFollowsKeyframeFlag(t *testing.T) {
	s := newTestSink()

	if !s.noteGroupBoundary(transport.SerializedPacket{Track: "video", TrackKind: transport.TrackVideo, IsKeyframe: true}) {
		t.Fatal("expected a keyframe to start a new video group")
	}
	if s.noteGroupBoundary(transport.SerializedPacket{Track: "video", TrackKind: transport.TrackVideo, IsKeyframe: false}) {
		t.Fatal("expected a non-keyframe not to start a new video group")
	}
}

func TestNoteGroupBoundaryAudioEveryFiftiethPacket(t *testing.T) {
	s := newTestSink()

	boundaries := 0
	for i := 0; i < audioGroupSize*2; i++ {
		if s.noteGroupBoundary(transport.SerializedPacket{Track: "audio", TrackKind: transport.TrackAudio}) {
			boundaries++
		}
	}
	if boundaries != 2 {
		t.Fatalf("expected a boundary every %d packets (2 over %d sends), got %d", audioGroupSize, audioGroupSize*2, boundaries)
	}
}

func TestNoteGroupBoundaryDataTrackEverySend(t *testing.T) {
	s := newTestSink()

	for i := 0; i < 3; i++ {
		if !s.noteGroupBoundary(transport.SerializedPacket{Track: "control", TrackKind: transport.TrackData}) {
			t.Fatal("expected every data-track send to be its own group")
		}
	}
}
