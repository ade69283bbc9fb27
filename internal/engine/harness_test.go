package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/engine"
	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport/transporttest"
	"github.com/pion/webrtc/v4"
)

const (
	callID  = "call-1"
	settle  = 10 * time.Millisecond
	timeout = 5 * time.Second
)

var audioOnly = media.Constraints{Audio: true}

// peer bundles one engine with its fake connection and observed callbacks.
type peer struct {
	eng     *engine.Engine
	conn    *transporttest.Conn
	factory *transporttest.Factory
	diag    *engine.Recorder

	mu      sync.Mutex
	states  []webrtc.PeerConnectionState
	streams []*media.RemoteStream
	errs    []error
}

func newPeer(store mailbox.Store, userID string, initiator bool, conn *transporttest.Conn, opts ...engine.Option) *peer {
	p := &peer{
		conn:    conn,
		factory: transporttest.NewFactory(conn),
		diag:    &engine.Recorder{},
	}
	opts = append([]engine.Option{
		engine.WithConnFactory(p.factory),
		engine.WithDiagnostics(p.diag),
		engine.WithSettleDelay(settle),
	}, opts...)
	p.eng = engine.New(store, callID, userID, initiator, opts...)
	return p
}

// newPair builds the initiator "u1" on storeA and the receiver "u2" on
// storeB. Both stores must share data.
func newPair(storeA, storeB mailbox.Store, opts ...engine.Option) (a, b *peer) {
	connA, connB := transporttest.NewPair()
	a = newPeer(storeA, "u1", true, connA, opts...)
	b = newPeer(storeB, "u2", false, connB, opts...)
	return a, b
}

func (p *peer) handlers() engine.Handlers {
	return engine.Handlers{
		OnRemoteStream: func(s *media.RemoteStream) {
			p.mu.Lock()
			p.streams = append(p.streams, s)
			p.mu.Unlock()
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			p.mu.Lock()
			p.states = append(p.states, s)
			p.mu.Unlock()
		},
		OnError: func(err error) {
			p.mu.Lock()
			p.errs = append(p.errs, err)
			p.mu.Unlock()
		},
	}
}

func (p *peer) initialize(t *testing.T) *media.LocalStream {
	t.Helper()
	local, err := p.eng.Initialize(context.Background(), p.handlers(), audioOnly)
	if err != nil {
		t.Fatalf("%s Initialize: %v", p.eng.Role(), err)
	}
	t.Cleanup(p.eng.Cleanup)
	return local
}

// initializeAsync runs Initialize in the background and reports its error.
func (p *peer) initializeAsync(t *testing.T) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := p.eng.Initialize(context.Background(), p.handlers(), audioOnly)
		done <- err
	}()
	t.Cleanup(p.eng.Cleanup)
	return done
}

func (p *peer) connectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.states {
		if s == webrtc.PeerConnectionStateConnected {
			n++
		}
	}
	return n
}

func (p *peer) lastStream() *media.RemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func (p *peer) errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]error, len(p.errs))
	copy(out, p.errs)
	return out
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// candidatesFrom counts stored candidate records written by user.
func candidatesFrom(store *mailbox.MemoryStore, user string) int {
	n := 0
	for _, rec := range store.Candidates(callID) {
		if rec.FromUser == user {
			n++
		}
	}
	return n
}

// hasEvent reports whether d recorded name with fields[key] == value.
func hasEvent(d *engine.Recorder, name, key string, value any) bool {
	for _, ev := range d.Events() {
		if ev.Name == name && ev.Fields[key] == value {
			return true
		}
	}
	return false
}
