package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// sampleTrack feeds samples produced by a pump function into a
// TrackLocalStaticSample. Both the synthetic and the device sources use it.
type sampleTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  webrtc.RTPCodecType

	enabled atomic.Bool
	stopped atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	onStop   func()
}

// next blocks until the next sample is ready. release, when non-nil, is
// called once the sample has been written or dropped.
type nextSample func() (sample pionmedia.Sample, release func(), err error)

func newSampleTrack(capability webrtc.RTPCodecCapability, kind webrtc.RTPCodecType, id, streamID string) (*sampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &sampleTrack{
		local: local,
		kind:  kind,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

// start launches the pump goroutine. It exits when the track is stopped or
// next returns an error.
func (t *sampleTrack) start(next nextSample) {
	go func() {
		for {
			sample, release, err := next()
			if err != nil {
				return
			}
			if t.enabled.Load() && !t.stopped.Load() {
				// A track with no bound senders drops the write silently.
				_ = t.local.WriteSample(sample)
			}
			if release != nil {
				release()
			}
			select {
			case <-t.done:
				return
			default:
			}
		}
	}()
}

func (t *sampleTrack) ID() string                    { return t.local.ID() }
func (t *sampleTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }
func (t *sampleTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *sampleTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *sampleTrack) Stopped() bool                 { return t.stopped.Load() }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		if t.onStop != nil {
			t.onStop()
		}
	})
}
