package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type stubRemote struct {
	id   string
	kind webrtc.RTPCodecType
}

func (s *stubRemote) ID() string                { return s.id }
func (s *stubRemote) StreamID() string          { return "remote" }
func (s *stubRemote) Kind() webrtc.RTPCodecType { return s.kind }

func TestSyntheticSourceHonorsConstraints(t *testing.T) {
	testCases := []struct {
		name       string
		c          Constraints
		audio      int
		video      int
		wantFailed bool
	}{
		{"audio only", Constraints{Audio: true}, 1, 0, false},
		{"video only", Constraints{Video: true}, 0, 1, false},
		{"audio and video", Constraints{Audio: true, Video: true}, 1, 1, false},
		{"nothing", Constraints{}, 0, 0, true},
	}

	src := NewSyntheticSource()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stream, err := src.GetUserMedia(context.Background(), tc.c)
			if tc.wantFailed {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserMedia: %v", err)
			}
			defer stream.Stop()

			if got := len(stream.AudioTracks()); got != tc.audio {
				t.Errorf("audio tracks = %d, want %d", got, tc.audio)
			}
			if got := len(stream.VideoTracks()); got != tc.video {
				t.Errorf("video tracks = %d, want %d", got, tc.video)
			}
			for _, track := range stream.Tracks() {
				if track.TrackLocal().StreamID() != stream.ID() {
					t.Errorf("track %s has stream id %s, want %s", track.ID(), track.TrackLocal().StreamID(), stream.ID())
				}
			}
		})
	}
}

func TestLocalTrackToggleAndStop(t *testing.T) {
	stream, err := NewSyntheticSource().GetUserMedia(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	track := stream.AudioTracks()[0]

	if !track.Enabled() {
		t.Fatal("new track should start enabled")
	}
	track.SetEnabled(false)
	if track.Enabled() {
		t.Fatal("track still enabled after SetEnabled(false)")
	}

	stream.Stop()
	stream.Stop()
	if !track.Stopped() {
		t.Fatal("track not stopped")
	}
	// Give the pump goroutine a moment to observe the stop.
	time.Sleep(2 * audioFrame)
}

func TestRemoteStreamAddDeduplicates(t *testing.T) {
	s := NewRemoteStream()
	a := &stubRemote{id: "a1", kind: webrtc.RTPCodecTypeAudio}

	if !s.Add(a) {
		t.Fatal("first Add should change the stream")
	}
	if s.Add(a) {
		t.Fatal("adding the same track twice should be a no-op")
	}
	if s.Add(&stubRemote{id: "a1", kind: webrtc.RTPCodecTypeAudio}) {
		t.Fatal("a track with the same kind and id should be treated as present")
	}
	if !s.Add(&stubRemote{id: "v1", kind: webrtc.RTPCodecTypeVideo}) {
		t.Fatal("a new video track should be added")
	}

	if s.Len() != 2 || len(s.AudioTracks()) != 1 || len(s.VideoTracks()) != 1 {
		t.Fatalf("unexpected stream contents: %d tracks", s.Len())
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"fs permission", fmt.Errorf("open /dev/video0: %w", fs.ErrPermission), ErrPermissionDenied},
		{"message", errors.New("Permission denied by user"), ErrPermissionDenied},
		{"missing device", errors.New("failed to find the best driver that fits the constraints"), ErrDeviceUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			me := Classify(Constraints{Audio: true}, tc.err)
			if !errors.Is(me, tc.want) {
				t.Fatalf("Classify(%v) kind = %v, want %v", tc.err, me.Kind, tc.want)
			}
			if !errors.Is(me, tc.err) {
				t.Fatal("classified error should still wrap the cause")
			}
			if me.UserMessage() == "" {
				t.Fatal("empty user message")
			}
		})
	}
}
