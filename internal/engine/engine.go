// Package engine negotiates one peer-to-peer call. Each peer creates an
// Engine for the call, the initiator publishes an offer through the shared
// mailbox, the receiver answers, and both trickle connectivity candidates
// until the media path is up.
//
// All negotiation state is owned by a single goroutine per Engine. Mailbox
// deliveries, peer-connection events and the initiator's offer request are
// queued into its inbox and handled strictly in order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport"
	"github.com/1ureka/duet/internal/util"
	"github.com/pion/webrtc/v4"
)

const inboxSize = 256

// Handlers are invoked from the engine goroutine, one at a time.
type Handlers struct {
	// OnRemoteStream runs every time the remote stream gains a track.
	OnRemoteStream func(*media.RemoteStream)
	// OnConnectionStateChange runs on every peer-connection state change.
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	// OnError receives non-fatal failures after Initialize has returned:
	// answer creation errors, ICE restart failures, the negotiation timeout.
	OnError func(error)
}

// Engine is the per-call negotiation engine.
type Engine struct {
	store  mailbox.Store
	callID string
	userID string
	role   Role
	opts   options
	log    util.Scoped
	diag   Diagnostics

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below. Mailbox writes hold it for reading so
	// that Cleanup, which takes it for writing, waits for in-flight writes
	// and no write can begin afterwards.
	mu      sync.RWMutex
	closed  bool
	local   *media.LocalStream
	remote  *media.RemoteStream
	conn    transport.Conn
	unwatch []func()

	cleanupOnce sync.Once
	startOnce   sync.Once
	inbox       chan event
	done        chan struct{}

	// Owned by the engine goroutine.
	handlers    Handlers
	offerGen    int // initiator: generation of the latest published offer
	offerDone   int // receiver: highest offer generation processed
	answerDone  int // initiator: highest answer generation processed
	pending     []pendingCandidate
	sentKeys    map[string]struct{}
	seenRecords map[string]struct{}
	connected   bool
}

// New creates an engine for one side of callID. Nothing happens until
// Initialize.
func New(store mailbox.Store, callID, localUserID string, isInitiator bool, opts ...Option) *Engine {
	o := options{settleDelay: DefaultSettleDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = media.NewSyntheticSource()
	}

	role := RoleReceiver
	if isInitiator {
		role = RoleInitiator
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       store,
		callID:      callID,
		userID:      localUserID,
		role:        role,
		opts:        o,
		log:         util.NewScoped(callID + "/" + string(role)),
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan event, inboxSize),
		done:        make(chan struct{}),
		sentKeys:    make(map[string]struct{}),
		seenRecords: make(map[string]struct{}),
	}
	e.diag = o.diagnostics
	if e.diag == nil {
		e.diag = logDiagnostics{log: e.log}
	}
	return e
}

func (e *Engine) Role() Role { return e.role }

func (e *Engine) State() Lifecycle { return Lifecycle(e.state.Load()) }

// ---------------------------------------------------------------------------
// Initialize
// ---------------------------------------------------------------------------

// Initialize acquires local media, builds the peer connection, subscribes to
// the mailbox and, for the initiator, publishes the offer. On any failure
// the engine is cleaned up and (nil, err) is returned. A second call returns
// ErrAlreadyInitialized without side effects.
func (e *Engine) Initialize(ctx context.Context, h Handlers, c media.Constraints) (*media.LocalStream, error) {
	if !e.state.CompareAndSwap(int32(Uninitialized), int32(Initializing)) {
		if e.State() == CleanedUp {
			return nil, ErrClosed
		}
		return nil, ErrAlreadyInitialized
	}
	e.handlers = h

	local, err := e.setup(ctx, c)
	if err != nil {
		closedBefore := e.isClosed()
		e.Cleanup()
		if errors.Is(err, ErrClosed) || closedBefore {
			return nil, ErrClosed
		}
		e.log.Errorf("Initialize failed: %v", err)
		return nil, err
	}
	return local, nil
}

func (e *Engine) setup(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	// 1. Local media.
	local, err := e.opts.source.GetUserMedia(ctx, c)
	if err != nil {
		return nil, media.Classify(c, err)
	}
	if !e.hold(func() { e.local = local }) {
		local.Stop()
		return nil, ErrClosed
	}
	e.diag.Event("media-acquired", Fields{"audio": len(local.AudioTracks()), "video": len(local.VideoTracks())})

	// 2. Peer connection.
	factory := e.opts.factory
	if factory == nil {
		if factory, err = transport.NewFactory(transport.Options{}); err != nil {
			return nil, err
		}
	}
	conn, err := factory.NewConn()
	if err != nil {
		return nil, err
	}

	// 3. Remote track container.
	remote := media.NewRemoteStream()
	if !e.hold(func() { e.conn, e.remote = conn, remote }) {
		conn.Close()
		return nil, ErrClosed
	}

	// 4. Local tracks.
	for _, t := range local.Tracks() {
		if err := conn.AddTrack(t.TrackLocal()); err != nil {
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	if e.role == RoleInitiator && len(local.AudioTracks()) == 0 {
		// The offer always asks for audio.
		if err := conn.AddTransceiver(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	// 5. Event wiring.
	e.wire(conn)
	e.startOnce.Do(func() { go e.run() })

	// 6. Mailbox: point-read first, then the live subscriptions.
	if err := e.subscribe(ctx); err != nil {
		return nil, err
	}

	// 7.
	if !e.state.CompareAndSwap(int32(Initializing), int32(Initialized)) {
		return nil, ErrClosed
	}
	e.diag.Event("initialized", nil)
	if e.opts.negotiationTimeout > 0 {
		e.startNegotiationTimer(e.opts.negotiationTimeout)
	}

	// 8. The initiator gives the listeners a moment before offering.
	if e.role == RoleInitiator {
		if err := e.sleep(ctx, e.opts.settleDelay); err != nil {
			return nil, err
		}
		reply := make(chan error, 1)
		if !e.post(offerRequest{reply: reply}) {
			return nil, ErrClosed
		}
		select {
		case err := <-reply:
			if err != nil {
				return nil, fmt.Errorf("publish offer: %w", err)
			}
		case <-e.ctx.Done():
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return local, nil
}

// hold runs fn under the write lock unless the engine is closed.
func (e *Engine) hold(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	fn()
	return true
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		if e.isClosed() {
			return ErrClosed
		}
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) subscribe(ctx context.Context) error {
	session, err := e.store.Get(ctx, e.callID)
	switch {
	case errors.Is(err, mailbox.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read call %s: %w", e.callID, err)
	default:
		e.post(sessionEvent{session: session, source: "point-read"})
	}

	sessions, stopSessions, err := e.store.Watch(e.ctx, e.callID)
	if err != nil {
		return fmt.Errorf("watch call %s: %w", e.callID, err)
	}
	if !e.hold(func() { e.unwatch = append(e.unwatch, stopSessions) }) {
		stopSessions()
		return ErrClosed
	}
	go forward(e, sessions, func(s *mailbox.CallSession) event {
		return sessionEvent{session: s, source: "watch"}
	})

	records, stopRecords, err := e.store.WatchCandidates(e.ctx, e.callID)
	if err != nil {
		return fmt.Errorf("watch candidates of %s: %w", e.callID, err)
	}
	if !e.hold(func() { e.unwatch = append(e.unwatch, stopRecords) }) {
		stopRecords()
		return ErrClosed
	}
	go forward(e, records, func(r mailbox.CandidateRecord) event {
		return candidateRecordEvent{record: r}
	})
	return nil
}

func (e *Engine) startNegotiationTimer(d time.Duration) {
	t := time.AfterFunc(d, func() { e.post(timeoutEvent{after: d}) })
	go func() {
		<-e.ctx.Done()
		t.Stop()
	}()
}

// ---------------------------------------------------------------------------
// Media controls and accessors
// ---------------------------------------------------------------------------

// ToggleAudio enables or disables every local audio track.
func (e *Engine) ToggleAudio(enabled bool) { e.toggle(webrtc.RTPCodecTypeAudio, enabled) }

// ToggleVideo enables or disables every local video track.
func (e *Engine) ToggleVideo(enabled bool) { e.toggle(webrtc.RTPCodecTypeVideo, enabled) }

func (e *Engine) toggle(kind webrtc.RTPCodecType, enabled bool) {
	e.mu.RLock()
	local := e.local
	e.mu.RUnlock()
	if local == nil {
		return
	}
	for _, t := range local.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// LocalStream is nil before media is acquired and after Cleanup.
func (e *Engine) LocalStream() *media.LocalStream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local
}

// RemoteStream is nil before the peer connection exists and after Cleanup.
func (e *Engine) RemoteStream() *media.RemoteStream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// Cleanup stops local media, closes the peer connection and ends both
// mailbox subscriptions. It is idempotent and safe from any goroutine,
// including while Initialize is still running. Once it returns the engine
// writes nothing more to the mailbox.
func (e *Engine) Cleanup() {
	e.cleanupOnce.Do(func() {
		e.state.Store(int32(CleanedUp))
		e.cancel()
		// No engine goroutine will start from here on.
		e.startOnce.Do(func() { close(e.done) })

		e.mu.Lock()
		e.closed = true
		local, conn, unwatch := e.local, e.conn, e.unwatch
		e.local, e.remote, e.conn, e.unwatch = nil, nil, nil, nil
		e.mu.Unlock()

		for _, stop := range unwatch {
			stop()
		}
		if local != nil {
			local.Stop()
		}
		if conn != nil {
			if err := conn.Close(); err != nil {
				e.log.Warnf("Close peer connection: %v", err)
			}
		}
		e.diag.Event("cleanup", nil)
	})
}

// Done is closed once Cleanup has run and the engine goroutine, if it was
// started, has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// guardedWrite runs a mailbox write unless the engine is closed. The read
// lock is held for the duration of the write.
func (e *Engine) guardedWrite(write func(ctx context.Context) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return write(e.ctx)
}

// currentConn returns the peer connection, or nil after Cleanup.
func (e *Engine) currentConn() transport.Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conn
}
