package ladder

import (
	"fmt"
	"sort"
	"strings"

	"stream-orchestrator/internal/models"
)

const (
	DefaultSegmentSeconds = 6
	DefaultWindowSize     = 10
	DefaultQuality        = "medium"
)

// Planner turns a source resolution into a ladder. It is immutable after
// construction and safe for concurrent use.
type Planner struct {
	table          Table
	defaultQuality string
	segmentSeconds int
	windowSize     int
}

// Config seeds a Planner. WindowSize 0 keeps every segment in the variant
// playlists.
type Config struct {
	Table          Table
	DefaultQuality string
	SegmentSeconds int
	WindowSize     int
}

func NewPlanner(cfg Config) (*Planner, error) {
	table := cfg.Table
	if len(table.Presets) == 0 {
		table = DefaultTable()
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	quality := strings.TrimSpace(cfg.DefaultQuality)
	if quality == "" {
		quality = DefaultQuality
	}
	if _, ok := table.preset(quality); !ok {
		return nil, fmt.Errorf("default quality %q is not a known preset", quality)
	}
	segment := cfg.SegmentSeconds
	if segment <= 0 {
		segment = DefaultSegmentSeconds
	}
	if cfg.WindowSize < 0 {
		return nil, fmt.Errorf("window size must not be negative")
	}
	return &Planner{
		table:          table,
		defaultQuality: quality,
		segmentSeconds: segment,
		windowSize:     cfg.WindowSize,
	}, nil
}

// Plan returns the ladder for a source sourceWidth pixels wide, ordered by
// descending video bitrate.
//
// When the width is unknown (<= 0) the requested quality, or the default, is
// used as the source width. When both are known the smaller of the two picks
// the tier, so callers can cap the top rung.
func (p *Planner) Plan(sourceWidth int, requestedQuality string) ([]models.QualityVariant, error) {
	width := sourceWidth
	if q := strings.TrimSpace(requestedQuality); q != "" || width <= 0 {
		if q == "" {
			q = p.defaultQuality
		}
		preset, ok := p.table.preset(q)
		if !ok {
			return nil, models.Errorf(models.ErrUnknownQuality, "unknown quality preset %q", q)
		}
		if width <= 0 || preset.Width < width {
			width = preset.Width
		}
	}

	names := p.table.tierFor(width)
	out := make([]models.QualityVariant, 0, len(names))
	for _, name := range names {
		preset, _ := p.table.preset(name)
		preset.SegmentDurationSeconds = p.segmentSeconds
		preset.PlaylistWindowSize = p.windowSize
		out = append(out, preset)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VideoBitrateKbps > out[j].VideoBitrateKbps
	})
	return out, nil
}

// Presets lists the catalogue names in table order.
func (p *Planner) Presets() []string {
	names := make([]string, 0, len(p.table.Presets))
	for _, preset := range p.table.Presets {
		names = append(names, preset.Name)
	}
	return names
}
