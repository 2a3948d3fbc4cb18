// Package media owns local capture and the track/stream model shared by the
// signaling and call layers. Actual device access goes through pion/mediadevices;
// everything above it talks to the Track and Stream types so tests can run
// without hardware.
package media

import (
	"errors"
	"sync"
)

// CallType selects which tracks a session captures and sends.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

var (
	// ErrMediaUnavailable means no capture backend exists at all. On end-user
	// devices the usual cause is an insecure context or missing drivers.
	ErrMediaUnavailable = errors.New("media capture unavailable (insecure context or no devices)")

	// ErrPermissionDenied means the user or platform refused capture access.
	ErrPermissionDenied = errors.New("media capture permission denied")
)

// Track is one local or remote media track. Enabled is a soft mute flag:
// the capture pipeline keeps running, consumers check Enabled before
// rendering or forwarding. Stop releases the underlying device resource
// and is idempotent.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Stream groups the tracks of one participant.
type Stream struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

// NewStream builds a stream over the given tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// AddTrack appends a track. Remote streams grow this way as negotiated
// tracks arrive.
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns a snapshot of all tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks.
func (s *Stream) AudioTracks() []Track { return s.tracksOfKind(TrackKindAudio) }

// VideoTracks returns the video tracks.
func (s *Stream) VideoTracks() []Track { return s.tracksOfKind(TrackKindVideo) }

func (s *Stream) tracksOfKind(kind TrackKind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled flips every audio track and reports whether any track
// existed to flip.
func (s *Stream) SetAudioEnabled(enabled bool) bool {
	return s.setKindEnabled(TrackKindAudio, enabled)
}

// SetVideoEnabled flips every video track and reports whether any track
// existed to flip.
func (s *Stream) SetVideoEnabled(enabled bool) bool {
	return s.setKindEnabled(TrackKindVideo, enabled)
}

func (s *Stream) setKindEnabled(kind TrackKind, enabled bool) bool {
	found := false
	for _, t := range s.tracksOfKind(kind) {
		t.SetEnabled(enabled)
		found = true
	}
	return found
}

// AudioEnabled reports whether every audio track is enabled. True when the
// stream has no audio tracks.
func (s *Stream) AudioEnabled() bool { return s.kindEnabled(TrackKindAudio) }

// VideoEnabled reports whether every video track is enabled. True when the
// stream has no video tracks.
func (s *Stream) VideoEnabled() bool { return s.kindEnabled(TrackKindVideo) }

func (s *Stream) kindEnabled(kind TrackKind) bool {
	for _, t := range s.tracksOfKind(kind) {
		if !t.Enabled() {
			return false
		}
	}
	return true
}

// StopAll stops every track. Safe to call more than once; the second call is
// a no-op.
func (s *Stream) StopAll() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// Participant describes one side of a call. Stream is a non-owning reference;
// track lifetime belongs to the capture layer (local) or the negotiated
// connection (remote).
type Participant struct {
	PeerID         string
	DisplayName    string
	ExternalUserID string
	Stream         *Stream
	IsLocal        bool
	AudioEnabled   bool
	VideoEnabled   bool
}
