package ladder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"stream-orchestrator/internal/models"
)

// ThumbnailOptions adds a periodically refreshed JPEG next to the playlists.
type ThumbnailOptions struct {
	Width    int
	Height   int
	Interval time.Duration
	Quality  int
}

// DefaultThumbnail matches the 320x240 snapshot every 30 seconds.
func DefaultThumbnail() ThumbnailOptions {
	return ThumbnailOptions{Width: 320, Height: 240, Interval: 30 * time.Second, Quality: 2}
}

// JobInput is everything needed to render a transcode command line.
type JobInput struct {
	IngestURL string
	OutputDir string
	Ladder    []models.QualityVariant
	Thumbnail *ThumbnailOptions
}

// ThumbnailName is the snapshot file written when thumbnails are enabled.
const ThumbnailName = "thumbnail.jpg"

// BuildArgs renders the ffmpeg argument vector: one input, one HLS output per
// variant and an optional thumbnail output. Progress is reported as
// key=value blocks on stdout.
func BuildArgs(in JobInput) ([]string, error) {
	if in.IngestURL == "" {
		return nil, fmt.Errorf("ingest url is required")
	}
	if in.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(in.Ladder) == 0 {
		return nil, fmt.Errorf("ladder is empty")
	}

	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "warning",
		"-progress", "pipe:1",
		"-re",
		"-fflags", "+genpts",
		"-i", in.IngestURL,
	}
	for _, v := range in.Ladder {
		variantDir := filepath.Join(in.OutputDir, v.Suffix)
		kbps := strconv.Itoa(v.VideoBitrateKbps) + "k"
		args = append(args,
			"-c:v", "libx264",
			"-preset", v.Preset,
			"-tune", "zerolatency",
			"-crf", strconv.Itoa(v.CRF),
			"-s", fmt.Sprintf("%dx%d", v.Width, v.Height),
			"-b:v", kbps,
			"-maxrate", kbps,
			"-bufsize", strconv.Itoa(v.VideoBitrateKbps*2)+"k",
			"-g", "48",
			"-keyint_min", "48",
			"-sc_threshold", "0",
			"-c:a", "aac",
			"-b:a", strconv.Itoa(v.AudioBitrateKbps)+"k",
			"-ar", "44100",
			"-ac", "2",
			"-f", "hls",
			"-hls_time", strconv.Itoa(v.SegmentDurationSeconds),
			"-hls_list_size", strconv.Itoa(v.PlaylistWindowSize),
		)
		if v.PlaylistWindowSize > 0 {
			args = append(args, "-hls_flags", "delete_segments")
		}
		args = append(args,
			"-hls_segment_filename", filepath.Join(variantDir, "segment_%03d.ts"),
			filepath.Join(variantDir, "playlist.m3u8"),
		)
	}
	if t := in.Thumbnail; t != nil {
		interval := int(t.Interval / time.Second)
		if interval <= 0 {
			interval = 30
		}
		args = append(args,
			"-an",
			"-vf", fmt.Sprintf("fps=1/%d,scale=%d:%d", interval, t.Width, t.Height),
			"-q:v", strconv.Itoa(t.Quality),
			"-f", "image2",
			"-update", "1",
			filepath.Join(in.OutputDir, ThumbnailName),
		)
	}
	return args, nil
}
