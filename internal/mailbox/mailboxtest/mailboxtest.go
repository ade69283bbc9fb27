// Package mailboxtest holds the behavior checks every mailbox.Store backend
// must pass, plus small fixtures shared by tests across the module.
package mailboxtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/mailbox"
)

const waitTimeout = 5 * time.Second

// SDP returns a minimal parseable session description body with one audio
// section. session distinguishes bodies from each other.
func SDP(session int) string {
	return fmt.Sprintf("v=0\r\n"+
		"o=- %d 2 IN IP4 127.0.0.1\r\n"+
		"s=-\r\n"+
		"t=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"+
		"c=IN IP4 0.0.0.0\r\n"+
		"a=mid:0\r\n"+
		"a=sendrecv\r\n"+
		"a=rtpmap:111 opus/48000/2\r\n", session)
}

// Offer and Answer build stored descriptions around SDP(session).
func Offer(session int) mailbox.Description {
	return mailbox.Description{Type: "offer", SDP: SDP(session)}
}

func Answer(session int) mailbox.Description {
	return mailbox.Description{Type: "answer", SDP: SDP(session)}
}

// Candidate returns an encoded host candidate unique per port.
func Candidate(port int) string {
	return fmt.Sprintf(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 %d typ host","sdpMid":"0","sdpMLineIndex":0}`, port)
}

// RunStoreTests exercises the mailbox.Store contract. newStore must return a
// fresh, empty store for each call.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) mailbox.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, mailbox.ErrNotFound) {
			t.Fatalf("Get on missing call: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("OfferAndAnswerFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.SetOffer(ctx, "c1", Offer(1), 1); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		if err := s.SetAnswer(ctx, "c1", Answer(2), 1); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
		if err := s.SetOffer(ctx, "c1", Offer(3), 2); err != nil {
			t.Fatalf("SetOffer again: %v", err)
		}

		got, err := s.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Offer == nil || got.Offer.SDP != SDP(3) || got.OfferGeneration != 2 {
			t.Errorf("offer not overwritten in place: %+v", got.Offer)
		}
		if got.Answer == nil || got.Answer.Type != "answer" || got.AnswerGeneration != 1 {
			t.Errorf("answer = %+v, generation %d", got.Answer, got.AnswerGeneration)
		}
		if got.OfferCreatedAt.IsZero() || got.AnswerCreatedAt.IsZero() {
			t.Error("store did not assign timestamps")
		}
	})

	t.Run("WatchDeliversSnapshotThenChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := s.SetOffer(ctx, "c2", Offer(1), 1); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		ch, stop, err := s.Watch(ctx, "c2")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer stop()

		first := waitSession(t, ch, func(cs *mailbox.CallSession) bool { return cs.Offer != nil })
		if first.Answer != nil {
			t.Fatalf("snapshot already has an answer: %+v", first.Answer)
		}

		if err := s.SetAnswer(ctx, "c2", Answer(2), 1); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
		waitSession(t, ch, func(cs *mailbox.CallSession) bool { return cs.Answer != nil })
	})

	t.Run("WatchBeforeCreate", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, stop, err := s.Watch(ctx, "c3")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer stop()

		if err := s.SetOffer(ctx, "c3", Offer(1), 1); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		waitSession(t, ch, func(cs *mailbox.CallSession) bool { return cs.Offer != nil })
	})

	t.Run("CandidateDedup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := mailbox.CandidateRecord{Candidate: Candidate(5000), FromUser: "u1"}
		if err := s.AddCandidate(ctx, "c4", rec); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
		if err := s.AddCandidate(ctx, "c4", rec); !errors.Is(err, mailbox.ErrAlreadyExists) {
			t.Fatalf("duplicate AddCandidate: err = %v, want ErrAlreadyExists", err)
		}
		// Same payload from the other peer is a different record.
		if err := s.AddCandidate(ctx, "c4", mailbox.CandidateRecord{Candidate: Candidate(5000), FromUser: "u2"}); err != nil {
			t.Fatalf("AddCandidate from peer: %v", err)
		}

		testCases := []struct {
			user, candidate string
			want            bool
		}{
			{"u1", Candidate(5000), true},
			{"u2", Candidate(5000), true},
			{"u1", Candidate(5001), false},
			{"u3", Candidate(5000), false},
		}
		for _, tc := range testCases {
			got, err := s.HasCandidate(ctx, "c4", tc.user, tc.candidate)
			if err != nil {
				t.Fatalf("HasCandidate: %v", err)
			}
			if got != tc.want {
				t.Errorf("HasCandidate(%s, %s) = %v, want %v", tc.user, tc.candidate, got, tc.want)
			}
		}
	})

	t.Run("WatchCandidatesExistingThenNew", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := s.AddCandidate(ctx, "c5", mailbox.CandidateRecord{Candidate: Candidate(1), FromUser: "u1"}); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
		ch, stop, err := s.WatchCandidates(ctx, "c5")
		if err != nil {
			t.Fatalf("WatchCandidates: %v", err)
		}
		defer stop()

		if err := s.AddCandidate(ctx, "c5", mailbox.CandidateRecord{Candidate: Candidate(2), FromUser: "u2"}); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}

		seen := map[string]int{}
		deadline := time.After(waitTimeout)
		for len(seen) < 2 {
			select {
			case rec, ok := <-ch:
				if !ok {
					t.Fatal("candidate watch closed early")
				}
				seen[rec.Candidate]++
				if rec.ID == "" || rec.Timestamp.IsZero() {
					t.Errorf("record missing id or timestamp: %+v", rec)
				}
			case <-deadline:
				t.Fatalf("timed out, saw %d candidates", len(seen))
			}
		}
		if seen[Candidate(1)] != 1 || seen[Candidate(2)] != 1 {
			t.Fatalf("unexpected deliveries: %v", seen)
		}
	})

	t.Run("CancelClosesWatch", func(t *testing.T) {
		s := newStore(t)
		ch, stop, err := s.Watch(context.Background(), "c6")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		stop()
		stop()
		waitClosed(t, ch)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.SetOffer(ctx, "c7", Offer(1), 1); err != nil {
			t.Fatalf("SetOffer: %v", err)
		}
		if err := s.AddCandidate(ctx, "c7", mailbox.CandidateRecord{Candidate: Candidate(1), FromUser: "u1"}); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
		if err := s.Delete(ctx, "c7"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "c7"); !errors.Is(err, mailbox.ErrNotFound) {
			t.Fatalf("Get after Delete: err = %v, want ErrNotFound", err)
		}
		if ok, _ := s.HasCandidate(ctx, "c7", "u1", Candidate(1)); ok {
			t.Fatal("candidate survived Delete")
		}
		if err := s.Delete(ctx, "c7"); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
	})
}

func waitSession(t *testing.T, ch <-chan *mailbox.CallSession, match func(*mailbox.CallSession) bool) *mailbox.CallSession {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case cs, ok := <-ch:
			if !ok {
				t.Fatal("watch closed before a matching snapshot arrived")
			}
			if match(cs) {
				return cs
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func waitClosed[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}
