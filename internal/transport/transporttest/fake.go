// Package transporttest provides an in-process transport.Conn pair for
// exercising negotiation logic without real ICE.
package transporttest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed         = errors.New("transporttest: connection closed")
	ErrSignalingState = errors.New("transporttest: invalid signaling state")
	ErrNoRemote       = errors.New("transporttest: remote description not set")
)

var (
	nextPort    atomic.Int32
	nextSession atomic.Uint64
)

func init() {
	nextPort.Store(40000)
}

// Compile-time interface check.
var _ transport.Conn = (*Conn)(nil)

// Conn is a fake peer connection. Two linked Conns "connect" once each side
// holds a local and a remote description, is in the stable signaling state,
// and has applied at least one candidate since the last ICE failure. Local
// candidates are emitted asynchronously after every SetLocalDescription.
type Conn struct {
	// AnswerGate, when set, runs at the start of CreateAnswer. Tests use it
	// to block answer creation.
	AnswerGate func()
	// CandidateErr, when set, decides whether AddICECandidate fails.
	CandidateErr func(webrtc.ICECandidateInit) error

	name string
	peer *Conn

	mu           sync.Mutex
	tracks       []webrtc.TrackLocal
	transceivers []webrtc.RTPCodecType
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	signaling    webrtc.SignalingState
	applied      []webrtc.ICECandidateInit
	freshApplied int
	connected    bool
	tracksFired  bool
	closed       bool
	closeCount   int
	offers       int

	onTrack     func(media.RemoteTrack)
	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onCandidate func(*webrtc.ICECandidateInit)
}

// NewPair returns two linked fake connections.
func NewPair() (a, b *Conn) {
	a = &Conn{name: "a", signaling: webrtc.SignalingStateStable}
	b = &Conn{name: "b", signaling: webrtc.SignalingStateStable}
	a.peer = b
	b.peer = a
	return a, b
}

// Factory hands out c once and counts how many times it was asked.
type Factory struct {
	conn  *Conn
	calls atomic.Int32
}

func NewFactory(c *Conn) *Factory { return &Factory{conn: c} }

func (f *Factory) NewConn() (transport.Conn, error) {
	if f.calls.Add(1) > 1 {
		return nil, fmt.Errorf("transporttest: factory for %s used twice", f.conn.name)
	}
	return f.conn, nil
}

// Calls reports how many connections were requested.
func (f *Factory) Calls() int { return int(f.calls.Load()) }

// ---------------------------------------------------------------------------
// transport.Conn
// ---------------------------------------------------------------------------

func (c *Conn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *Conn) AddTransceiver(kind webrtc.RTPCodecType, _ webrtc.RTPTransceiverDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.transceivers = append(c.transceivers, kind)
	return nil
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.offers++

	var kinds []webrtc.RTPCodecType
	for _, t := range c.tracks {
		kinds = append(kinds, t.Kind())
	}
	kinds = append(kinds, c.transceivers...)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: buildSDP(kinds)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	if c.AnswerGate != nil {
		c.AnswerGate()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer in %s", ErrSignalingState, c.signaling)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: buildSDP(sdpKinds(c.remote.SDP))}, nil
}

func (c *Conn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveRemoteOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		state := c.signaling
		c.mu.Unlock()
		return fmt.Errorf("%w: set local %s in %s", ErrSignalingState, sd.Type, state)
	}
	desc := sd
	c.local = &desc
	onCandidate := c.onCandidate
	c.mu.Unlock()

	go c.gather(onCandidate)
	c.checkConnected()
	return nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && c.signaling == webrtc.SignalingStateStable:
		c.signaling = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeAnswer && c.signaling == webrtc.SignalingStateHaveLocalOffer:
		c.signaling = webrtc.SignalingStateStable
	default:
		state := c.signaling
		c.mu.Unlock()
		return fmt.Errorf("%w: set remote %s in %s", ErrSignalingState, sd.Type, state)
	}
	desc := sd
	c.remote = &desc
	c.mu.Unlock()

	c.checkConnected()
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if c.CandidateErr != nil {
		if err := c.CandidateErr(candidate); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.remote == nil {
		c.mu.Unlock()
		return ErrNoRemote
	}
	c.applied = append(c.applied, candidate)
	c.freshApplied++
	c.mu.Unlock()

	c.checkConnected()
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote != nil
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signaling
}

func (c *Conn) OnTrack(fn func(media.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onConnState = fn
	c.mu.Unlock()
}

func (c *Conn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	c.onICEState = fn
	c.mu.Unlock()
}

func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	c.closed = true
	c.signaling = webrtc.SignalingStateClosed
	return nil
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// EmitCandidate fires the local candidate hook synchronously.
func (c *Conn) EmitCandidate(candidate *webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(candidate)
	}
}

// SetSignalingState forces the signaling state, as if a negotiation the
// engine does not know about were in progress.
func (c *Conn) SetSignalingState(state webrtc.SignalingState) {
	c.mu.Lock()
	c.signaling = state
	c.mu.Unlock()
}

// FailICE reports an ICE failure on this side. The side reconnects after a
// fresh candidate is applied following renegotiation.
func (c *Conn) FailICE() {
	c.mu.Lock()
	c.connected = false
	c.freshApplied = 0
	onICE, onConn := c.onICEState, c.onConnState
	c.mu.Unlock()

	go func() {
		if onICE != nil {
			onICE(webrtc.ICEConnectionStateFailed)
		}
		if onConn != nil {
			onConn(webrtc.PeerConnectionStateFailed)
		}
	}()
}

// Applied returns every candidate accepted by AddICECandidate, in order.
func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.applied))
	copy(out, c.applied)
	return out
}

// CloseCount reports how many times Close was called.
func (c *Conn) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount
}

// OfferCount reports how many offers were created.
func (c *Conn) OfferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Connected reports whether this side currently considers itself connected.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// gather emits two host candidates and then the end-of-gathering nil, each
// after a short random delay.
func (c *Conn) gather(fn func(*webrtc.ICECandidateInit)) {
	if fn == nil {
		return
	}
	mid := "0"
	idx := uint16(0)
	for range 2 {
		time.Sleep(time.Duration(rand.Int64N(20)) * time.Millisecond)
		if c.isClosed() {
			return
		}
		port := nextPort.Add(1)
		fn(&webrtc.ICECandidateInit{
			Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.1 %d typ host", port, port),
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})
	}
	if !c.isClosed() {
		fn(nil)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// checkConnected fires the connected transition and, the first time, the
// remote tracks taken from the peer's local tracks.
func (c *Conn) checkConnected() {
	c.mu.Lock()
	ready := !c.closed && !c.connected &&
		c.local != nil && c.remote != nil &&
		c.signaling == webrtc.SignalingStateStable &&
		c.freshApplied > 0
	if !ready {
		c.mu.Unlock()
		return
	}
	c.connected = true
	fireTracks := !c.tracksFired
	c.tracksFired = true
	onTrack, onConn, onICE := c.onTrack, c.onConnState, c.onICEState
	c.mu.Unlock()

	var remote []media.RemoteTrack
	if fireTracks {
		c.peer.mu.Lock()
		for _, t := range c.peer.tracks {
			remote = append(remote, &remoteTrack{id: t.ID(), streamID: t.StreamID(), kind: t.Kind()})
		}
		c.peer.mu.Unlock()
	}

	go func() {
		if onICE != nil {
			onICE(webrtc.ICEConnectionStateConnected)
		}
		if onConn != nil {
			onConn(webrtc.PeerConnectionStateConnecting)
			onConn(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			for _, t := range remote {
				onTrack(t)
			}
		}
	}()
}

type remoteTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
}

func (t *remoteTrack) ID() string                { return t.id }
func (t *remoteTrack) StreamID() string          { return t.streamID }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

// buildSDP renders a minimal session with one media section per kind,
// audio first.
func buildSDP(kinds []webrtc.RTPCodecType) string {
	var audio, video bool
	for _, k := range kinds {
		switch k {
		case webrtc.RTPCodecTypeAudio:
			audio = true
		case webrtc.RTPCodecTypeVideo:
			video = true
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n", nextSession.Add(1))
	mid := 0
	if audio {
		fmt.Fprintf(&b, "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=rtpmap:111 opus/48000/2\r\n", mid)
		mid++
	}
	if video {
		fmt.Fprintf(&b, "m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=mid:%d\r\na=rtpmap:96 VP8/90000\r\n", mid)
	}
	return b.String()
}

// sdpKinds lists the media kinds present in an SDP body.
func sdpKinds(body string) []webrtc.RTPCodecType {
	var kinds []webrtc.RTPCodecType
	for _, line := range strings.Split(body, "\r\n") {
		switch {
		case strings.HasPrefix(line, "m=audio"):
			kinds = append(kinds, webrtc.RTPCodecTypeAudio)
		case strings.HasPrefix(line, "m=video"):
			kinds = append(kinds, webrtc.RTPCodecTypeVideo)
		}
	}
	return kinds
}
