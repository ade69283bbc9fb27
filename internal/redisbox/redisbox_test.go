package redisbox

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/mailbox/mailboxtest"
)

// These tests need a reachable redis server, e.g.
//
//	DUET_REDIS_ADDR=127.0.0.1:6379 go test ./internal/redisbox/
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("DUET_REDIS_ADDR")
	if addr == "" {
		t.Skip("DUET_REDIS_ADDR not set")
	}
	s, err := New(context.Background(), Options{Addr: addr, Prefix: "duet-test-" + uuid.NewString()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.rdb.Keys(ctx, s.prefix+":*").Result()
		if len(keys) > 0 {
			s.rdb.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func TestStore(t *testing.T) {
	mailboxtest.RunStoreTests(t, func(t *testing.T) mailbox.Store {
		return newTestStore(t)
	})
}

func TestDecodeSession(t *testing.T) {
	testCases := []struct {
		name       string
		fields     map[string]string
		wantOffer  bool
		wantAnswer bool
		wantGen    int
	}{
		{"offer only", map[string]string{"offer_type": "offer", "offer_sdp": "v=0", "offer_gen": "2", "offer_at": "1"}, true, false, 2},
		{"answer only", map[string]string{"answer_type": "answer", "answer_sdp": "v=0"}, false, true, 0},
		{"empty", map[string]string{"updated_at": "5"}, false, false, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cs := decodeSession("c", tc.fields)
			if (cs.Offer != nil) != tc.wantOffer || (cs.Answer != nil) != tc.wantAnswer {
				t.Fatalf("offer=%v answer=%v", cs.Offer, cs.Answer)
			}
			if cs.OfferGeneration != tc.wantGen {
				t.Errorf("OfferGeneration = %d, want %d", cs.OfferGeneration, tc.wantGen)
			}
			if tc.wantOffer && cs.OfferCreatedAt.IsZero() {
				t.Error("OfferCreatedAt not decoded")
			}
		})
	}
}
