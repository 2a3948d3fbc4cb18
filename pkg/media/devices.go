package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Acquirer produces a local capture stream for a call.
type Acquirer interface {
	Acquire(ctx context.Context, callType CallType) (*Stream, error)
}

// WebRTCTrackProvider is implemented by tracks that can be attached to a pion
// PeerConnection. Remote and test tracks do not implement it.
type WebRTCTrackProvider interface {
	WebRTCTrack() webrtc.TrackLocal
}

// DeviceAcquirer captures from the local camera and microphone through
// pion/mediadevices, encoding video as VP8 and audio as Opus.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceAcquirer builds an acquirer with VP8+Opus encoders.
func NewDeviceAcquirer() (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceAcquirer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// CodecSelector exposes the selector so the signaling layer can populate its
// media engine with the same codecs the captured tracks produce.
func (a *DeviceAcquirer) CodecSelector() *mediadevices.CodecSelector { return a.selector }

// Acquire captures local media. Audio is always requested; video only for
// CallTypeVideo. A video call falls back to video-only, then audio-only,
// before giving up.
func (a *DeviceAcquirer) Acquire(ctx context.Context, callType CallType) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrMediaUnavailable
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if callType == CallTypeVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, at := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: a.selector}
		if at.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: malformed MJPEG from some cameras poisons
				// the VP8 encoder and breaks SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if at.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Str("attempt", at.label).Err(err).Msg("GetUserMedia failed")
			lastErr = err
			continue
		}

		var tracks []Track
		for _, t := range ms.GetTracks() {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Msg("local track ended")
				}
			})
			tracks = append(tracks, newDeviceTrack(t))
		}
		log.Info().Str("attempt", at.label).Int("tracks", len(tracks)).Msg("local media captured")
		return NewStream(tracks...), nil
	}

	if lastErr != nil && isPermissionErr(lastErr) {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

func isPermissionErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not allowed")
}

// deviceTrack wraps one mediadevices capture track. The enabled flag is held
// here: mediadevices has no native mute, so consumers gate on Enabled.
type deviceTrack struct {
	t    mediadevices.Track
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	kind := TrackKindAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackKindVideo
	}
	return &deviceTrack{t: t, kind: kind, enabled: true}
}

func (d *deviceTrack) ID() string      { return d.t.ID() }
func (d *deviceTrack) Kind() TrackKind { return d.kind }

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *deviceTrack) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
}

func (d *deviceTrack) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	if err := d.t.Close(); err != nil {
		log.Warn().Err(err).Str("track_id", d.t.ID()).Msg("track close")
	}
}

func (d *deviceTrack) WebRTCTrack() webrtc.TrackLocal { return d.t }
