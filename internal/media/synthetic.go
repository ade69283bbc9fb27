package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = time.Second / 30
)

var (
	// Opus TOC byte for a 20ms CELT frame followed by a silent payload.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// Minimal VP8 key frame header for a 16x16 picture.
	vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
)

// SyntheticSource produces silent Opus audio and static VP8 video. It stands
// in for real capture on hosts without devices and in tests.
type SyntheticSource struct{}

func NewSyntheticSource() *SyntheticSource {
	return &SyntheticSource{}
}

func (s *SyntheticSource) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, Classify(c, fmt.Errorf("no media kinds requested"))
	}
	if err := ctx.Err(); err != nil {
		return nil, Classify(c, err)
	}

	streamID := "duet-" + uuid.NewString()
	var tracks []LocalTrack

	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, webrtc.RTPCodecTypeAudio, "audio-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, Classify(c, err)
		}
		t.start(tickerSamples(t, opusSilence, audioFrame))
		tracks = append(tracks, t)
	}

	if c.Video {
		t, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, webrtc.RTPCodecTypeVideo, "video-"+uuid.NewString(), streamID)
		if err != nil {
			for _, prev := range tracks {
				prev.Stop()
			}
			return nil, Classify(c, err)
		}
		t.start(tickerSamples(t, vp8Frame, videoFrame))
		tracks = append(tracks, t)
	}

	return NewLocalStream(streamID, tracks...), nil
}

// tickerSamples emits the same payload every interval until the track stops.
func tickerSamples(t *sampleTrack, payload []byte, interval time.Duration) nextSample {
	ticker := time.NewTicker(interval)
	return func() (pionmedia.Sample, func(), error) {
		select {
		case <-ticker.C:
			return pionmedia.Sample{Data: payload, Duration: interval}, nil, nil
		case <-t.done:
			ticker.Stop()
			return pionmedia.Sample{}, nil, context.Canceled
		}
	}
}
