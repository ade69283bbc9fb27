package engine

import (
	"context"
	"errors"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/util"
	"github.com/pion/webrtc/v4"
)

type pendingCandidate struct {
	init     webrtc.ICECandidateInit
	attempts int
}

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

// onLocalCandidate publishes a locally gathered candidate at most once.
func (e *Engine) onLocalCandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		e.diag.Event("gathering-complete", nil)
		return
	}

	key := util.CandidateKey(c.Candidate, c.SDPMid, c.SDPMLineIndex)
	if _, sent := e.sentKeys[key]; sent {
		util.Stats.AddCandidateSkipped()
		return
	}
	payload, err := mailbox.EncodeCandidate(*c)
	if err != nil {
		e.log.Warnf("Dropping local candidate: %v", err)
		return
	}
	e.sentKeys[key] = struct{}{}

	// The local set does not survive a restart; the store might already
	// hold this candidate.
	var exists bool
	err = e.guardedWrite(func(ctx context.Context) error {
		var err error
		exists, err = e.store.HasCandidate(ctx, e.callID, e.userID, payload)
		return err
	})
	switch {
	case errors.Is(err, ErrClosed):
		return
	case err != nil:
		e.log.Debugf("Candidate existence check failed: %v", err)
	case exists:
		util.Stats.AddCandidateSkipped()
		return
	}

	err = e.guardedWrite(func(ctx context.Context) error {
		return e.store.AddCandidate(ctx, e.callID, mailbox.CandidateRecord{
			Candidate: payload,
			FromUser:  e.userID,
		})
	})
	switch {
	case err == nil:
		util.Stats.AddCandidateSent()
		e.diag.Event("candidate-sent", Fields{"key": key})
	case errors.Is(err, mailbox.ErrAlreadyExists):
		util.Stats.AddCandidateSkipped()
	case errors.Is(err, ErrClosed):
	default:
		delete(e.sentKeys, key)
		if !e.isClosed() {
			e.log.Warnf("Publish candidate: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// onCandidateRecord applies a peer candidate now or queues it until a remote
// description is in place.
func (e *Engine) onCandidateRecord(rec mailbox.CandidateRecord) {
	if rec.FromUser == e.userID {
		return
	}
	id := rec.ID
	if id == "" {
		id = rec.FromUser + "\x00" + rec.Candidate
	}
	if _, seen := e.seenRecords[id]; seen {
		return
	}
	e.seenRecords[id] = struct{}{}

	init, err := mailbox.DecodeCandidate(rec.Candidate)
	if err != nil {
		e.log.Warnf("Ignoring candidate from %s: %v", rec.FromUser, err)
		return
	}

	conn := e.currentConn()
	if conn == nil {
		return
	}
	// SetRemoteDescription runs on this goroutine too, so a remote
	// description is never half applied here.
	if !conn.HasRemoteDescription() {
		e.enqueue(pendingCandidate{init: init})
		return
	}
	e.applyCandidate(pendingCandidate{init: init})
}

func (e *Engine) enqueue(p pendingCandidate) {
	e.pending = append(e.pending, p)
	util.Stats.AddCandidateQueued()
	e.diag.Event("candidate-queued", Fields{"queued": len(e.pending), "attempts": p.attempts})
}

// applyCandidate adds p to the connection. A failure puts it back in the
// queue unless the retry limit is reached.
func (e *Engine) applyCandidate(p pendingCandidate) {
	conn := e.currentConn()
	if conn == nil {
		return
	}
	if err := conn.AddICECandidate(p.init); err != nil {
		if e.isClosed() {
			return
		}
		p.attempts++
		if limit := e.opts.candidateRetries; limit > 0 && p.attempts >= limit {
			e.log.Warnf("Dropping candidate after %d attempts: %v", p.attempts, err)
			e.diag.Event("candidate-dropped", Fields{"attempts": p.attempts})
			return
		}
		e.log.Debugf("Apply candidate failed, requeueing: %v", err)
		e.enqueue(p)
		return
	}
	util.Stats.AddCandidateApplied()
	e.diag.Event("candidate-applied", nil)
}

// drainCandidates retries every queued candidate in arrival order. Those
// that fail again end up back in the queue.
func (e *Engine) drainCandidates() {
	if len(e.pending) == 0 {
		return
	}
	queued := e.pending
	e.pending = nil
	e.diag.Event("candidates-drain", Fields{"count": len(queued)})
	for _, p := range queued {
		e.applyCandidate(p)
	}
}
