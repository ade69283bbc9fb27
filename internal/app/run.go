// Package app contains the top-level orchestration used by cmd/duet.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duet/internal/config"
	"github.com/1ureka/duet/internal/engine"
	"github.com/1ureka/duet/internal/mailbox"
	"github.com/1ureka/duet/internal/media"
	"github.com/1ureka/duet/internal/transport"
	"github.com/1ureka/duet/internal/util"
)

const purgeTimeout = 5 * time.Second

// Run joins the call described by cfg and blocks until ctx is cancelled,
// the call fails, or the engine shuts down.
//  1. Open the mailbox backend
//  2. Join the call (see Call)
//  3. Release the backend
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	util.LogInfo("mailbox backend: %s", cfg.Backend)
	return Call(ctx, cfg, store)
}

// Call runs one engine against an already opened store. Extra options are
// applied after the ones derived from cfg.
//  1. Pick the media source and build the peer-connection factory
//  2. Initialize the engine and start the stats reporter
//  3. Drain every remote track until the call ends
//  4. Clean up, optionally purging the call record
func Call(ctx context.Context, cfg *config.Config, store mailbox.Store, extra ...engine.Option) error {
	// ── 1. Media and transport ─────────────────────────────────────────
	opts, err := engineOptions(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, extra...)

	eng := engine.New(store, cfg.CallID, cfg.UserID, cfg.Role == config.RoleInitiator, opts...)
	defer eng.Cleanup()

	// ── 2. Initialize ──────────────────────────────────────────────────
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d := newDrainer(callCtx)
	handlers := engine.Handlers{
		OnRemoteStream: d.drain,
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			switch s {
			case webrtc.PeerConnectionStateConnected:
				util.LogSuccess("call %s connected", cfg.CallID)
			case webrtc.PeerConnectionStateFailed:
				util.LogWarning("call %s failed, waiting for ICE restart", cfg.CallID)
			case webrtc.PeerConnectionStateClosed:
				cancel(nil)
			default:
				util.LogInfo("connection state: %s", s)
			}
		},
		OnError: func(err error) {
			if errors.Is(err, engine.ErrNegotiationTimeout) {
				cancel(err)
				return
			}
			util.LogWarning("%v", err)
		},
	}

	constraints := media.Constraints{Audio: cfg.Audio, Video: cfg.Video}
	local, err := eng.Initialize(callCtx, handlers, constraints)
	if err != nil {
		var mediaErr *media.Error
		if errors.As(err, &mediaErr) {
			return fmt.Errorf("%s: %w", mediaErr.UserMessage(), err)
		}
		return fmt.Errorf("initialize call: %w", err)
	}
	util.LogInfo("joined call %s as %s with %d local track(s)", cfg.CallID, eng.Role(), len(local.Tracks()))
	util.StartStatsReporter(callCtx)

	// ── 3. Wait ────────────────────────────────────────────────────────
	select {
	case <-callCtx.Done():
	case <-eng.Done():
	}

	// ── 4. Cleanup ─────────────────────────────────────────────────────
	eng.Cleanup()
	cancel(nil)
	d.wait()

	if cfg.Purge {
		purgeCtx, stop := context.WithTimeout(context.Background(), purgeTimeout)
		defer stop()
		if err := store.Delete(purgeCtx, cfg.CallID); err != nil {
			util.LogWarning("purge call %s: %v", cfg.CallID, err)
		} else {
			util.LogInfo("purged call %s", cfg.CallID)
		}
	}

	if err := context.Cause(callCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func engineOptions(cfg *config.Config) ([]engine.Option, error) {
	var source media.Source = media.NewSyntheticSource()
	if cfg.Devices {
		s, err := media.NewDeviceSource()
		if err != nil {
			return nil, fmt.Errorf("device capture: %w", err)
		}
		source = s
	}

	factory, err := transport.NewFactory(transport.Options{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer connection setup: %w", err)
	}

	return []engine.Option{
		engine.WithMediaSource(source),
		engine.WithConnFactory(factory),
		engine.WithSettleDelay(cfg.SettleDelay),
		engine.WithNegotiationTimeout(cfg.NegotiationTimeout),
		engine.WithCandidateRetryLimit(cfg.CandidateRetries),
	}, nil
}

// ---------------------------------------------------------------------------
// Remote track draining
// ---------------------------------------------------------------------------

// rtpReader is satisfied by *webrtc.TrackRemote.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// drainer reads every remote track so the receive buffers never fill up,
// counting payload bytes into the stats.
type drainer struct {
	ctx  context.Context
	mu   sync.Mutex
	seen map[string]bool
	wg   sync.WaitGroup
}

func newDrainer(ctx context.Context) *drainer {
	return &drainer{ctx: ctx, seen: make(map[string]bool)}
}

// drain starts a reader for each track of s not seen before.
func (d *drainer) drain(s *media.RemoteStream) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, track := range s.Tracks() {
		if d.seen[track.ID()] {
			continue
		}
		d.seen[track.ID()] = true

		reader, ok := track.(rtpReader)
		if !ok {
			util.LogDebug("remote %s track %s is not readable", track.Kind(), track.ID())
			continue
		}
		util.LogInfo("receiving remote %s track %s", track.Kind(), track.ID())

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.read(reader)
		}()
	}
}

func (d *drainer) read(r rtpReader) {
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && d.ctx.Err() == nil {
				util.LogDebug("remote track read: %v", err)
			}
			return
		}
		util.Stats.AddRecv(len(pkt.Payload))
	}
}

// wait blocks until every reader has stopped. Readers stop once the peer
// connection is closed.
func (d *drainer) wait() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		util.LogDebug("remote track readers still running after cleanup")
	}
}

// tracks returns how many distinct remote tracks were seen.
func (d *drainer) tracks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
