package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/engine"
	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/mailbox/mailboxtest"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/signaling"
	"github.com/1ureka/duet/internal/transport/transporttest"
	"github.com/pion/webrtc/v4"
)

// startServer runs a server over a fresh memory store and returns its
// websocket URL.
func startServer(t *testing.T) (*signaling.Server, *mailbox.MemoryStore, string) {
	t.Helper()
	store := mailbox.NewMemoryStore()
	srv := signaling.NewServer(store)
	addr, err := srv.Start("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, store, "ws://" + addr.String() + "/ws"
}

func dial(t *testing.T, url string) *signaling.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := signaling.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientStore(t *testing.T) {
	mailboxtest.RunStoreTests(t, func(t *testing.T) mailbox.Store {
		_, _, url := startServer(t)
		return dial(t, url)
	})
}

func TestClientSeesOtherClientsWrites(t *testing.T) {
	_, _, url := startServer(t)
	writer := dial(t, url)
	reader := dial(t, url)
	ctx := context.Background()

	ch, stop, err := reader.WatchCandidates(ctx, "c1")
	if err != nil {
		t.Fatalf("WatchCandidates: %v", err)
	}
	defer stop()

	if err := writer.AddCandidate(ctx, "c1", mailbox.CandidateRecord{Candidate: mailboxtest.Candidate(1), FromUser: "u1"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	select {
	case rec := <-ch:
		if rec.FromUser != "u1" {
			t.Fatalf("record from %q, want u1", rec.FromUser)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader never saw the candidate")
	}
}

func TestClientCloseEndsWatches(t *testing.T) {
	_, _, url := startServer(t)
	c := dial(t, url)

	ch, _, err := c.Watch(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	c.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected snapshot after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch channel still open after Close")
	}
	if _, err := c.Get(context.Background(), "c1"); !errors.Is(err, signaling.ErrDisconnected) {
		t.Fatalf("Get after Close: err = %v, want ErrDisconnected", err)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	store := mailbox.NewMemoryStore()
	srv := signaling.NewServer(store)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	ctx := context.Background()

	if err := store.SetOffer(ctx, "c1", mailboxtest.Offer(1), 1); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if err := store.AddCandidate(ctx, "c1", mailbox.CandidateRecord{Candidate: mailboxtest.Candidate(1), FromUser: "u1"}); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	testCases := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK},
		{"get call", http.MethodGet, "/calls/c1", http.StatusOK},
		{"get missing", http.MethodGet, "/calls/nope", http.StatusNotFound},
		{"delete call", http.MethodDelete, "/calls/c1", http.StatusNoContent},
		{"get deleted", http.MethodGet, "/calls/c1", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s: %v", tc.method, tc.path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("%s %s = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.status)
			}

			if tc.name == "get call" {
				var view struct {
					Session    mailbox.CallSession       `json:"session"`
					Candidates []mailbox.CandidateRecord `json:"candidates"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if view.Session.Offer == nil || len(view.Candidates) != 1 {
					t.Fatalf("unexpected view: %+v", view)
				}
			}
		})
	}
}

func TestEnginesOverWebsocket(t *testing.T) {
	srv, store, url := startServer(t)
	connA, connB := transporttest.NewPair()

	connected := make(chan engine.Role, 2)
	handlers := func(role engine.Role) engine.Handlers {
		return engine.Handlers{
			OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
				if s == webrtc.PeerConnectionStateConnected {
					connected <- role
				}
			},
		}
	}

	a := engine.New(dial(t, url), "call-ws", "u1", true,
		engine.WithConnFactory(transporttest.NewFactory(connA)),
		engine.WithSettleDelay(10*time.Millisecond))
	b := engine.New(dial(t, url), "call-ws", "u2", false,
		engine.WithConnFactory(transporttest.NewFactory(connB)))
	defer a.Cleanup()
	defer b.Cleanup()

	ctx := context.Background()
	if _, err := b.Initialize(ctx, handlers(engine.RoleReceiver), media.Constraints{Audio: true}); err != nil {
		t.Fatalf("receiver Initialize: %v", err)
	}
	if _, err := a.Initialize(ctx, handlers(engine.RoleInitiator), media.Constraints{Audio: true}); err != nil {
		t.Fatalf("initiator Initialize: %v", err)
	}

	for range 2 {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("peers did not connect over the websocket mailbox")
		}
	}
	if got := store.Counts("call-ws"); got.Offers != 1 || got.Answers != 1 {
		t.Fatalf("writes = %+v, want one offer and one answer", got)
	}
	if srv.ConnCount() != 2 {
		t.Fatalf("server has %d clients, want 2", srv.ConnCount())
	}
}
