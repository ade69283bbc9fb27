package engine

import (
	"time"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport"
	"github.com/pion/webrtc/v4"
)

// event is anything queued into the engine inbox.
type event interface{}

type sessionEvent struct {
	session *mailbox.CallSession
	source  string // "point-read" or "watch"
}

type candidateRecordEvent struct {
	record mailbox.CandidateRecord
}

type localCandidateEvent struct {
	candidate *webrtc.ICECandidateInit // nil ends gathering
}

type remoteTrackEvent struct {
	track media.RemoteTrack
}

type connStateEvent struct {
	state webrtc.PeerConnectionState
}

type iceStateEvent struct {
	state webrtc.ICEConnectionState
}

type offerRequest struct {
	iceRestart bool
	reply      chan error // nil for internally triggered offers
}

type timeoutEvent struct {
	after time.Duration
}

// post queues ev unless the engine is shutting down.
func (e *Engine) post(ev event) bool {
	select {
	case e.inbox <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// forward moves values from a store watch into the inbox until either side
// ends.
func forward[T any](e *Engine, ch <-chan T, wrap func(T) event) {
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return
			}
			if !e.post(wrap(v)) {
				return
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// wire routes every peer-connection hook into the inbox.
func (e *Engine) wire(conn transport.Conn) {
	conn.OnTrack(func(t media.RemoteTrack) {
		e.post(remoteTrackEvent{track: t})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.post(connStateEvent{state: s})
	})
	conn.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.post(iceStateEvent{state: s})
	})
	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		e.post(localCandidateEvent{candidate: c})
	})
}

// run is the engine goroutine. It exits when Cleanup cancels the context
// and then drops all negotiation state.
func (e *Engine) run() {
	defer close(e.done)
	defer e.reset()

	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.inbox:
			if e.isClosed() {
				if req, ok := ev.(offerRequest); ok && req.reply != nil {
					req.reply <- ErrClosed
				}
				continue
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case sessionEvent:
		e.onSession(ev.session, ev.source)
	case candidateRecordEvent:
		e.onCandidateRecord(ev.record)
	case localCandidateEvent:
		e.onLocalCandidate(ev.candidate)
	case remoteTrackEvent:
		e.onRemoteTrack(ev.track)
	case connStateEvent:
		e.onConnectionState(ev.state)
	case iceStateEvent:
		e.onICEState(ev.state)
	case offerRequest:
		err := e.createOffer(ev.iceRestart)
		if ev.reply != nil {
			ev.reply <- err
		} else if err != nil && !e.isClosed() {
			e.log.Errorf("ICE restart offer failed: %v", err)
			e.reportError(err)
		}
	case timeoutEvent:
		if !e.connected {
			e.diag.Event("negotiation-timeout", Fields{"after": ev.after})
			e.log.Warnf("Not connected after %s", ev.after)
			e.reportError(ErrNegotiationTimeout)
		}
	}
}

// reset clears the queues, sets and progress flags.
func (e *Engine) reset() {
	e.pending = nil
	clear(e.sentKeys)
	clear(e.seenRecords)
	e.offerDone, e.answerDone, e.offerGen = 0, 0, 0
	e.connected = false
}

// ---------------------------------------------------------------------------
// Peer-connection events
// ---------------------------------------------------------------------------

func (e *Engine) onRemoteTrack(t media.RemoteTrack) {
	e.mu.RLock()
	remote := e.remote
	e.mu.RUnlock()
	if remote == nil {
		return
	}

	if remote.Add(t) {
		e.diag.Event("remote-track", Fields{"kind": t.Kind().String(), "id": t.ID()})
	}
	if remote.Len() > 0 && e.handlers.OnRemoteStream != nil {
		e.handlers.OnRemoteStream(remote)
	}
}

func (e *Engine) onConnectionState(s webrtc.PeerConnectionState) {
	e.diag.Event("connection-state", Fields{"state": s.String()})
	switch s {
	case webrtc.PeerConnectionStateConnected:
		e.connected = true
		e.log.Infof("Peer connection established")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		e.connected = false
		e.log.Warnf("Peer connection %s", s)
	}
	if e.handlers.OnConnectionStateChange != nil {
		e.handlers.OnConnectionStateChange(s)
	}
}

// onICEState attempts recovery on failure. Only the initiator renegotiates;
// the receiver answers the restart offer when it shows up in the mailbox.
func (e *Engine) onICEState(s webrtc.ICEConnectionState) {
	e.diag.Event("ice-state", Fields{"state": s.String()})
	if s != webrtc.ICEConnectionStateFailed {
		return
	}
	if e.role != RoleInitiator {
		e.log.Warnf("ICE failed, waiting for a restart offer")
		return
	}

	e.log.Warnf("ICE failed, restarting")
	e.handle(offerRequest{iceRestart: true})
}

func (e *Engine) reportError(err error) {
	if e.handlers.OnError != nil {
		e.handlers.OnError(err)
	}
}
