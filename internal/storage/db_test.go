package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/mailbox/mailboxtest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mailbox.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	mailboxtest.RunStoreTests(t, func(t *testing.T) mailbox.Store {
		return openTemp(t)
	})
}

// Two handles on one file behave like two processes sharing the mailbox.
func TestStoreSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := b.Watch(ctx, "shared")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := a.SetOffer(ctx, "shared", mailboxtest.Offer(1), 1); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	select {
	case cs := <-ch:
		if cs.Offer == nil || cs.Offer.SDP != mailboxtest.SDP(1) {
			t.Fatalf("unexpected session: %+v", cs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write from the other handle never observed")
	}
}

func TestStoreListCandidatesInOrder(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	for port := 1; port <= 3; port++ {
		rec := mailbox.CandidateRecord{Candidate: mailboxtest.Candidate(port), FromUser: "u1"}
		if err := s.AddCandidate(ctx, "c", rec); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
	}
	recs, err := s.ListCandidates(ctx, "c")
	if err != nil {
		t.Fatalf("ListCandidates: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.Candidate != mailboxtest.Candidate(i+1) {
			t.Errorf("record %d = %s, want port %d", i, rec.Candidate, i+1)
		}
	}
}

func TestStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetAnswer(context.Background(), "c", mailboxtest.Answer(1), 3); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	cs, err := s.Get(context.Background(), "c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Offer != nil || cs.Answer == nil || cs.AnswerGeneration != 3 {
		t.Fatalf("unexpected session after reopen: %+v", cs)
	}
}
