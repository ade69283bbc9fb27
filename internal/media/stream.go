// Package media covers local media acquisition for a call: the capture
// sources, the local track set handed to the peer connection, and the remote
// track container that grows as remote tracks arrive.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds of local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local media, the equivalent of getUserMedia.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context, c Constraints) (*LocalStream, error)

func (f SourceFunc) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	return f(ctx, c)
}

// LocalTrack is one captured track. Disabling a track keeps it attached to
// the peer connection but stops feeding samples into it.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	TrackLocal() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
	Stopped() bool
}

// LocalStream is the set of tracks returned by a Source. The track list is
// fixed at construction.
type LocalStream struct {
	id     string
	tracks []LocalTrack
}

// NewLocalStream groups tracks under one stream id.
func NewLocalStream(id string, tracks ...LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns every track regardless of kind.
func (s *LocalStream) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) AudioTracks() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *LocalStream) VideoTracks() []LocalTrack { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *LocalStream) byKind(kind webrtc.RTPCodecType) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Stopping is idempotent per track.
func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// RemoteTrack is the part of an incoming track the engine cares about.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream collects remote tracks as they arrive. It is safe for
// concurrent use: the engine adds tracks while the UI side reads them.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []RemoteTrack
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Add appends t unless a track with the same kind and id is already present.
// It reports whether the stream changed.
func (s *RemoteStream) Add(t RemoteTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing == t || (existing.Kind() == t.Kind() && existing.ID() == t.ID()) {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

func (s *RemoteStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *RemoteStream) AudioTracks() []RemoteTrack { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *RemoteStream) VideoTracks() []RemoteTrack { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *RemoteStream) byKind(kind webrtc.RTPCodecType) []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RemoteTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
