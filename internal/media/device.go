//go:build devices

package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/duet/internal/util"
)

// DeviceSource captures the local camera and microphone through
// pion/mediadevices. Build with -tags devices; it needs cgo and the
// libvpx/libopus development headers.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource prepares VP8 + Opus encoders for captured tracks.
func NewDeviceSource() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(c, err)
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, &Error{Kind: ErrDeviceUnavailable, Constraints: c, Err: errNoDevices}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some MJPEG nodes emit frames the VP8 encoder rejects.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mtc.Width = prop.IntRanged{Max: 640}
			mtc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, Classify(c, err)
	}

	streamID := "duet-" + uuid.NewString()
	raws := stream.GetTracks()
	var tracks []LocalTrack

	for i, raw := range raws {
		t, err := newDeviceTrack(raw, streamID)
		if err != nil {
			for _, done := range tracks {
				done.Stop()
			}
			for _, rest := range raws[i:] {
				rest.Close()
			}
			return nil, Classify(c, err)
		}
		tracks = append(tracks, t)
	}

	util.LogDebug("local media captured: %d track(s)", len(tracks))
	return NewLocalStream(streamID, tracks...), nil
}

// newDeviceTrack re-encodes a captured track through an independent encoded
// reader so that disabling the track can simply stop forwarding samples.
func newDeviceTrack(raw mediadevices.Track, streamID string) (*sampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	clockRate, fallback := uint32(48000), audioFrame
	if raw.Kind() == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		clockRate, fallback = 90000, videoFrame
	}

	reader, err := raw.NewEncodedReader(capability.MimeType)
	if err != nil {
		return nil, err
	}

	t, err := newSampleTrack(capability, raw.Kind(), raw.ID(), streamID)
	if err != nil {
		reader.Close()
		return nil, err
	}
	t.onStop = func() {
		reader.Close()
		raw.Close()
	}

	raw.OnEnded(func(err error) {
		if err != nil {
			util.LogWarning("local %s track ended: %v", raw.Kind(), err)
		}
	})

	t.start(func() (pionmedia.Sample, func(), error) {
		buf, release, err := reader.Read()
		if err != nil {
			return pionmedia.Sample{}, nil, err
		}
		duration := fallback
		if buf.Samples > 0 {
			duration = time.Duration(buf.Samples) * time.Second / time.Duration(clockRate)
		}
		return pionmedia.Sample{Data: buf.Data, Duration: duration}, release, nil
	})
	return t, nil
}
