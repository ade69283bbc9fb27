package engine

import (
	"context"
	"fmt"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/transport"
	"github.com/1ureka/duet/internal/util"
	"github.com/pion/webrtc/v4"
)

// onSession handles a call record coming from either the point-read or the
// live watch. Both paths end up here.
func (e *Engine) onSession(s *mailbox.CallSession, source string) {
	if s == nil {
		return
	}
	switch e.role {
	case RoleReceiver:
		if s.Offer != nil {
			e.answerOffer(s.Offer, generation(s.OfferGeneration), source)
		}
	case RoleInitiator:
		if s.Answer != nil {
			e.applyAnswer(s.Answer, generation(s.AnswerGeneration), source)
		}
	}
}

// generation treats records written without a generation as the first one.
func generation(g int) int {
	if g < 1 {
		return 1
	}
	return g
}

// ---------------------------------------------------------------------------
// Initiator
// ---------------------------------------------------------------------------

// createOffer builds, applies and publishes the next offer generation.
// Audio is always requested; video only when a local video track exists,
// which is already reflected in the tracks added to the connection.
func (e *Engine) createOffer(iceRestart bool) error {
	conn := e.currentConn()
	if conn == nil || e.isClosed() {
		return ErrClosed
	}
	if iceRestart && conn.SignalingState() != webrtc.SignalingStateStable {
		e.log.Warnf("Skipping ICE restart in signaling state %s", conn.SignalingState())
		return nil
	}

	gen := e.offerGen + 1
	offer, err := conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if e.isClosed() {
		return ErrClosed
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	err = e.guardedWrite(func(ctx context.Context) error {
		return e.store.SetOffer(ctx, e.callID, mailbox.FromSessionDescription(offer), gen)
	})
	if err != nil {
		return err
	}
	e.offerGen = gen

	util.Stats.AddDescription()
	if iceRestart {
		util.Stats.AddICERestart()
	}
	e.diag.Event("offer-published", Fields{"generation": gen, "iceRestart": iceRestart})
	e.log.Infof("Offer published (generation %d)", gen)
	return nil
}

// applyAnswer applies the answer to the current offer. A late, stale or
// out-of-order answer is skipped without error.
func (e *Engine) applyAnswer(d *mailbox.Description, gen int, source string) {
	if gen <= e.answerDone {
		return
	}
	if gen != e.offerGen {
		e.diag.Event("answer-stale", Fields{"generation": gen, "offer": e.offerGen, "source": source})
		return
	}
	if err := mailbox.ValidateDescription(d, webrtc.SDPTypeAnswer); err != nil {
		e.log.Warnf("Ignoring answer from %s: %v", source, err)
		e.diag.Event("answer-invalid", Fields{"error": err.Error()})
		return
	}
	conn := e.currentConn()
	if conn == nil {
		return
	}

	// Marked before touching the connection so a duplicate delivery queued
	// behind this one is suppressed.
	prev := e.answerDone
	e.answerDone = gen

	if state := conn.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		e.log.Debugf("Answer from %s arrived in signaling state %s, deferring", source, state)
		e.diag.Event("answer-deferred", Fields{"state": state.String(), "source": source})
		e.answerDone = prev
		return
	}

	if err := conn.SetRemoteDescription(d.SessionDescription()); err != nil {
		e.answerDone = prev
		if !e.isClosed() {
			e.log.Errorf("Apply answer: %v", err)
			e.reportError(fmt.Errorf("apply answer: %w", err))
		}
		return
	}

	e.diag.Event("answer-applied", Fields{"generation": gen, "source": source})
	e.log.Infof("Answer applied (generation %d, via %s)", gen, source)
	e.drainCandidates()
}

// ---------------------------------------------------------------------------
// Receiver
// ---------------------------------------------------------------------------

// answerOffer answers a new offer generation. Errors roll the processed
// marker back so a later delivery of the same offer can retry.
func (e *Engine) answerOffer(d *mailbox.Description, gen int, source string) {
	if gen <= e.offerDone {
		return
	}
	if err := mailbox.ValidateDescription(d, webrtc.SDPTypeOffer); err != nil {
		e.log.Warnf("Ignoring offer from %s: %v", source, err)
		e.diag.Event("offer-invalid", Fields{"error": err.Error()})
		return
	}
	conn := e.currentConn()
	if conn == nil || e.isClosed() {
		return
	}

	prev := e.offerDone
	e.offerDone = gen

	if state := conn.SignalingState(); state != webrtc.SignalingStateStable {
		e.log.Debugf("Offer from %s arrived in signaling state %s, deferring", source, state)
		e.diag.Event("offer-deferred", Fields{"state": state.String(), "source": source})
		e.offerDone = prev
		return
	}

	if err := e.answer(conn, d, gen); err != nil {
		e.offerDone = prev
		if e.isClosed() {
			return
		}
		e.log.Errorf("Answer offer: %v", err)
		e.reportError(err)
		return
	}

	e.diag.Event("answer-published", Fields{"generation": gen, "source": source})
	e.log.Infof("Answer published (generation %d, offer via %s)", gen, source)
	e.drainCandidates()
}

func (e *Engine) answer(conn transport.Conn, d *mailbox.Description, gen int) error {
	if err := conn.SetRemoteDescription(d.SessionDescription()); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	if e.isClosed() {
		return ErrClosed
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if e.isClosed() {
		return ErrClosed
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	err = e.guardedWrite(func(ctx context.Context) error {
		return e.store.SetAnswer(ctx, e.callID, mailbox.FromSessionDescription(answer), gen)
	})
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	util.Stats.AddDescription()
	return nil
}
