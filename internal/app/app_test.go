package app

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/engine"
	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/storage"
	"github.com/1ureka/duet/internal/transport/transporttest"
	"github.com/1ureka/duet/internal/util"
)

func testConfig(role config.Role, user string) *config.Config {
	return &config.Config{
		Role:        role,
		CallID:      "app-call",
		UserID:      user,
		Backend:     config.BackendMemory,
		Audio:       true,
		SettleDelay: 10 * time.Millisecond,
	}
}

func TestCallConnectsAndPurges(t *testing.T) {
	store := mailbox.NewMemoryStore()
	connA, connB := transporttest.NewPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgA := testConfig(config.RoleInitiator, "u1")
	cfgB := testConfig(config.RoleReceiver, "u2")
	cfgB.Purge = true

	errs := make(chan error, 2)
	go func() {
		errs <- Call(ctx, cfgA, store, engine.WithConnFactory(transporttest.NewFactory(connA)))
	}()
	go func() {
		errs <- Call(ctx, cfgB, store, engine.WithConnFactory(transporttest.NewFactory(connB)))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !(connA.Connected() && connB.Connected()) {
		if time.Now().After(deadline) {
			t.Fatal("peers never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("Call returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Call did not return after cancel")
		}
	}

	if _, err := store.Get(context.Background(), "app-call"); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("call record not purged: err = %v", err)
	}
	if connA.CloseCount() != 1 || connB.CloseCount() != 1 {
		t.Errorf("close counts = %d, %d, want 1, 1", connA.CloseCount(), connB.CloseCount())
	}
}

func TestCallNegotiationTimeout(t *testing.T) {
	_, connB := transporttest.NewPair()
	cfg := testConfig(config.RoleReceiver, "u2")
	cfg.NegotiationTimeout = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- Call(context.Background(), cfg, mailbox.NewMemoryStore(),
			engine.WithConnFactory(transporttest.NewFactory(connB)))
	}()

	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrNegotiationTimeout) {
			t.Fatalf("Call = %v, want ErrNegotiationTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Call did not time out")
	}
}

func TestCallMediaFailure(t *testing.T) {
	cfg := testConfig(config.RoleInitiator, "u1")
	_, connB := transporttest.NewPair()
	denied := media.SourceFunc(func(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
		return nil, media.ErrPermissionDenied
	})

	err := Call(context.Background(), cfg, mailbox.NewMemoryStore(),
		engine.WithConnFactory(transporttest.NewFactory(connB)),
		engine.WithMediaSource(denied))
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("Call = %v, want ErrPermissionDenied", err)
	}
}

func TestOpenStore(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*config.Config)
		want    any
		wantErr bool
	}{
		{"memory", func(c *config.Config) {}, &mailbox.MemoryStore{}, false},
		{"sqlite", func(c *config.Config) {
			c.Backend = config.BackendSQLite
			c.SQLitePath = filepath.Join(t.TempDir(), "m.db")
		}, &storage.Store{}, false},
		{"unknown", func(c *config.Config) { c.Backend = "nope" }, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(config.RoleInitiator, "u1")
			tc.mutate(cfg)
			store, closeStore, err := OpenStore(context.Background(), cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer closeStore()

			switch tc.want.(type) {
			case *mailbox.MemoryStore:
				if _, ok := store.(*mailbox.MemoryStore); !ok {
					t.Errorf("store is %T", store)
				}
			case *storage.Store:
				if _, ok := store.(*storage.Store); !ok {
					t.Errorf("store is %T", store)
				}
			}
		})
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(config.RoleInitiator, "")
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
}

// ---------------------------------------------------------------------------
// Drainer
// ---------------------------------------------------------------------------

type fakeTrack struct {
	id      string
	packets int
	reads   atomic.Int32
}

func (f *fakeTrack) ID() string                { return f.id }
func (f *fakeTrack) StreamID() string          { return "remote" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if int(f.reads.Add(1)) > f.packets {
		return nil, nil, io.EOF
	}
	return &rtp.Packet{Payload: make([]byte, 100)}, nil, nil
}

func TestDrainerCountsPayloadOnce(t *testing.T) {
	before := util.Stats.BytesRecv.Load()
	track := &fakeTrack{id: "t1", packets: 3}

	stream := media.NewRemoteStream()
	stream.Add(track)

	d := newDrainer(context.Background())
	d.drain(stream)
	d.drain(stream)
	d.wait()

	if d.tracks() != 1 {
		t.Fatalf("tracks = %d, want 1", d.tracks())
	}
	if got := util.Stats.BytesRecv.Load() - before; got != 300 {
		t.Errorf("bytes counted = %d, want 300", got)
	}
	if got := track.reads.Load(); got != 4 {
		t.Errorf("ReadRTP called %d times, want 4", got)
	}
}
