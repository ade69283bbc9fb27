// Package transport wraps the peer connection that carries a call's media.
// The engine talks to the Conn interface; the pion implementation lives
// here too.
package transport

import (
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/util"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// Conn is the peer-connection surface the engine drives.
//
// OnICECandidate receives nil once gathering completes. Hooks must be
// registered before the first description is applied.
type Conn interface {
	AddTrack(track webrtc.TrackLocal) error
	AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection) error

	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState

	OnTrack(fn func(media.RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnICECandidate(fn func(*webrtc.ICECandidateInit))

	Close() error
}

// pionConn adapts *webrtc.PeerConnection to Conn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func newPionConn(pc *webrtc.PeerConnection) *pionConn {
	return &pionConn{pc: pc}
}

// Compile-time interface check.
var _ Conn = (*pionConn)(nil)

// ---------------------------------------------------------------------------
// Tracks
// ---------------------------------------------------------------------------

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}

	// RTCP has to be read for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: direction})
	return err
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (c *pionConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// OnTrack forwards remote tracks as *webrtc.TrackRemote. A keyframe is
// requested as soon as a video track arrives.
func (c *pionConn) OnTrack(fn func(media.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{
				MediaSSRC: uint32(track.SSRC()),
			}})
			if err != nil {
				util.LogDebug("PLI for track %s failed: %v", track.ID(), err)
			}
		}
		fn(track)
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(fn)
}

func (c *pionConn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}
		init := candidate.ToJSON()
		fn(&init)
	})
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
