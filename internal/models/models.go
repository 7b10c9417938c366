package models

import (
	"time"
)

// SessionState enumerates the lifecycle states of a stream session. Idle is
// implicit: a key without a registry entry is idle.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateLive     SessionState = "live"
	StateEnded    SessionState = "ended"
	StateError    SessionState = "error"
	StateRemoved  SessionState = "removed"
)

// Terminal reports whether the state ends the transcode job. Terminal
// sessions still occupy their key until cleanup removes them.
func (s SessionState) Terminal() bool {
	switch s {
	case StateEnded, StateError, StateRemoved:
		return true
	default:
		return false
	}
}

// IngestSource identifies how media reaches the orchestrator.
type IngestSource string

const (
	SourceRTMP   IngestSource = "rtmp"
	SourceWebRTC IngestSource = "webrtc"
)

// QualityVariant is one rung of an adaptive bitrate ladder.
type QualityVariant struct {
	Name                   string `json:"name" yaml:"name"`
	Suffix                 string `json:"suffix" yaml:"suffix"`
	Width                  int    `json:"width" yaml:"width"`
	Height                 int    `json:"height" yaml:"height"`
	VideoBitrateKbps       int    `json:"videoBitrateKbps" yaml:"videoBitrateKbps"`
	AudioBitrateKbps       int    `json:"audioBitrateKbps" yaml:"audioBitrateKbps"`
	SegmentDurationSeconds int    `json:"segmentDurationSeconds" yaml:"segmentDurationSeconds,omitempty"`
	PlaylistWindowSize     int    `json:"playlistWindowSize" yaml:"playlistWindowSize,omitempty"`
	Preset                 string `json:"preset" yaml:"preset"`
	CRF                    int    `json:"crf" yaml:"crf"`
}

// PlaylistPath returns the variant playlist path relative to the stream
// directory.
func (v QualityVariant) PlaylistPath() string {
	return v.Suffix + "/playlist.m3u8"
}

// CloneLadder returns an independent copy of the ladder.
func CloneLadder(src []QualityVariant) []QualityVariant {
	if len(src) == 0 {
		return nil
	}
	out := make([]QualityVariant, len(src))
	copy(out, src)
	return out
}

// JobMetrics captures the most recent progress report of a transcode job.
type JobMetrics struct {
	Frames      int64     `json:"frames"`
	CurrentFPS  float64   `json:"currentFps"`
	CurrentKbps float64   `json:"currentKbps"`
	Timemark    string    `json:"timemark"`
	Speed       float64   `json:"speed"`
	CPUPercent  float64   `json:"cpuPercent"`
	RSSBytes    uint64    `json:"rssBytes"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StreamSession is the registry's view of one broadcast.
type StreamSession struct {
	StreamKey     string           `json:"streamKey"`
	State         SessionState     `json:"state"`
	Source        IngestSource     `json:"source"`
	OwnerID       string           `json:"ownerId,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	LiveAt        *time.Time       `json:"liveAt,omitempty"`
	EndedAt       *time.Time       `json:"endedAt,omitempty"`
	Ladder        []QualityVariant `json:"ladder"`
	ActiveJobID   string           `json:"activeJobId,omitempty"`
	OutputDir     string           `json:"outputDir"`
	MasterPath    string           `json:"masterPlaylist"`
	PlaybackReady bool             `json:"playbackReady"`
	ViewerCount   int              `json:"viewerCount"`
	PeakViewers   int              `json:"peakViewers"`
	LastHeartbeat *time.Time       `json:"lastHeartbeat,omitempty"`
	LastProgress  *JobMetrics      `json:"lastProgress,omitempty"`
	Error         string           `json:"error,omitempty"`
}
