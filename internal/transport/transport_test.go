package transport

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/media"
	"github.com/pion/webrtc/v4"
)

func TestNewFactoryOfferShape(t *testing.T) {
	factory, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	conn, err := factory.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer conn.Close()

	if err := conn.AddTransceiver(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
		t.Fatalf("AddTransceiver: %v", err)
	}
	offer, err := conn.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	testCases := []struct {
		name string
		want string
	}{
		{"audio section", "m=audio"},
		{"bundle group", "a=group:BUNDLE"},
		{"opus", "opus/48000"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !strings.Contains(offer.SDP, tc.want) {
				t.Errorf("offer SDP missing %q", tc.want)
			}
		})
	}
	if strings.Contains(offer.SDP, "m=video") {
		t.Error("offer requested video without a video transceiver")
	}
	if conn.HasRemoteDescription() {
		t.Error("fresh connection reports a remote description")
	}
	if got := conn.SignalingState(); got != webrtc.SignalingStateStable {
		t.Errorf("signaling state = %s, want stable", got)
	}
}

// TestPionLoopback negotiates two real pion connections in-process. It needs
// working UDP networking, so it only runs when DUET_PION_E2E is set.
func TestPionLoopback(t *testing.T) {
	if os.Getenv("DUET_PION_E2E") == "" {
		t.Skip("set DUET_PION_E2E=1 to run real ICE negotiation")
	}

	factory, err := NewFactory(Options{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	offerer, err := factory.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer offerer.Close()
	answerer, err := factory.NewConn()
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	defer answerer.Close()

	stream, err := media.NewSyntheticSource().GetUserMedia(context.Background(), media.Constraints{Audio: true})
	if err != nil {
		t.Fatalf("GetUserMedia: %v", err)
	}
	defer stream.Stop()
	if err := offerer.AddTrack(stream.AudioTracks()[0].TrackLocal()); err != nil {
		t.Fatalf("AddTrack: %v", err)
	}

	// Candidates are collected and applied once both descriptions are set.
	collect := func(from Conn) chan webrtc.ICECandidateInit {
		ch := make(chan webrtc.ICECandidateInit, 64)
		from.OnICECandidate(func(c *webrtc.ICECandidateInit) {
			if c != nil {
				ch <- *c
			}
		})
		return ch
	}
	fromOfferer := collect(offerer)
	fromAnswerer := collect(answerer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trickle := func(ch chan webrtc.ICECandidateInit, to Conn) {
		for {
			select {
			case c := <-ch:
				_ = to.AddICECandidate(c)
			case <-ctx.Done():
				return
			}
		}
	}

	gotTrack := make(chan media.RemoteTrack, 1)
	answerer.OnTrack(func(track media.RemoteTrack) {
		select {
		case gotTrack <- track:
		default:
		}
	})

	offer, err := offerer.CreateOffer(false)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer): %v", err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer): %v", err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer): %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer): %v", err)
	}
	go trickle(fromOfferer, answerer)
	go trickle(fromAnswerer, offerer)

	select {
	case track := <-gotTrack:
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			t.Fatalf("remote track kind = %s, want audio", track.Kind())
		}
	case <-time.After(15 * time.Second):
		t.Fatal("no remote track within 15s")
	}
}
