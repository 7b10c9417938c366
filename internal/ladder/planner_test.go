package ladder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-orchestrator/internal/models"
)

func names(ladder []models.QualityVariant) []string {
	out := make([]string, 0, len(ladder))
	for _, v := range ladder {
		out = append(out, v.Name)
	}
	return out
}

func newDefaultPlanner(t *testing.T) *Planner {
	t.Helper()
	p, err := NewPlanner(Config{WindowSize: DefaultWindowSize})
	require.NoError(t, err)
	return p
}

func TestPlanTiers(t *testing.T) {
	p := newDefaultPlanner(t)
	cases := []struct {
		width int
		want  []string
	}{
		{3840, []string{"ultra", "high", "medium", "low"}},
		{4096, []string{"ultra", "high", "medium", "low"}},
		{1920, []string{"high", "medium", "low"}},
		{2560, []string{"high", "medium", "low"}},
		{1280, []string{"medium", "low", "mobile"}},
		{1279, []string{"low", "mobile"}},
		{640, []string{"low", "mobile"}},
		{1, []string{"low", "mobile"}},
	}
	for _, tc := range cases {
		ladder, err := p.Plan(tc.width, "")
		require.NoError(t, err)
		assert.Equal(t, tc.want, names(ladder), "width %d", tc.width)
	}
}

func TestPlanIsStrictlyDescendingByBitrate(t *testing.T) {
	p := newDefaultPlanner(t)
	for _, width := range []int{3840, 1920, 1280, 640} {
		ladder, err := p.Plan(width, "")
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(ladder), 2)
		require.LessOrEqual(t, len(ladder), 4)
		for i := 1; i < len(ladder); i++ {
			assert.Greater(t, ladder[i-1].VideoBitrateKbps, ladder[i].VideoBitrateKbps)
		}
	}
}

func TestPlanAppliesHLSDefaults(t *testing.T) {
	p := newDefaultPlanner(t)
	ladder, err := p.Plan(1920, "")
	require.NoError(t, err)
	for _, v := range ladder {
		assert.Equal(t, DefaultSegmentSeconds, v.SegmentDurationSeconds)
		assert.Equal(t, DefaultWindowSize, v.PlaylistWindowSize)
	}
	assert.Equal(t, "1080p", ladder[0].Suffix)
	assert.Equal(t, 5000, ladder[0].VideoBitrateKbps)
	assert.Equal(t, 128, ladder[0].AudioBitrateKbps)
}

func TestPlanRequestedQuality(t *testing.T) {
	p := newDefaultPlanner(t)

	ladder, err := p.Plan(0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"medium", "low", "mobile"}, names(ladder), "unknown width uses default quality")

	ladder, err = p.Plan(0, "ultra")
	require.NoError(t, err)
	assert.Equal(t, []string{"ultra", "high", "medium", "low"}, names(ladder))

	ladder, err = p.Plan(3840, "medium")
	require.NoError(t, err)
	assert.Equal(t, []string{"medium", "low", "mobile"}, names(ladder), "requested quality caps the tier")

	ladder, err = p.Plan(1280, "ULTRA")
	require.NoError(t, err)
	assert.Equal(t, []string{"medium", "low", "mobile"}, names(ladder), "requested quality never raises the tier")

	_, err = p.Plan(1920, "cinema")
	assert.True(t, errors.Is(err, models.ErrUnknownQuality))
}

func TestPlanReturnsIndependentCopies(t *testing.T) {
	p := newDefaultPlanner(t)
	first, err := p.Plan(1920, "")
	require.NoError(t, err)
	first[0].VideoBitrateKbps = 1

	second, err := p.Plan(1920, "")
	require.NoError(t, err)
	assert.Equal(t, 5000, second[0].VideoBitrateKbps)
}

func TestNewPlannerValidation(t *testing.T) {
	_, err := NewPlanner(Config{DefaultQuality: "nope"})
	assert.Error(t, err)
	_, err = NewPlanner(Config{WindowSize: -1})
	assert.Error(t, err)
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ladder.yaml")
	content := `presets:
  - name: hd
    suffix: 720p
    width: 1280
    height: 720
    videoBitrateKbps: 3000
    audioBitrateKbps: 128
    preset: veryfast
    crf: 23
  - name: sd
    suffix: 360p
    width: 640
    height: 360
    videoBitrateKbps: 800
    audioBitrateKbps: 64
    preset: veryfast
    crf: 28
tiers:
  - minWidth: 1280
    variants: [hd, sd]
  - minWidth: 0
    variants: [sd]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	p, err := NewPlanner(Config{Table: table, DefaultQuality: "sd", WindowSize: 0})
	require.NoError(t, err)

	ladder, err := p.Plan(1920, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"hd", "sd"}, names(ladder))
	assert.Equal(t, 0, ladder[0].PlaylistWindowSize)
	assert.Equal(t, []string{"hd", "sd"}, p.Presets())
}

func TestLoadTableRejectsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown-field.yaml": "presets: []\nbogus: 1\n",
		"no-floor.yaml": `presets:
  - {name: a, suffix: a1, width: 10, height: 10, videoBitrateKbps: 1, audioBitrateKbps: 1, preset: fast, crf: 20}
tiers:
  - {minWidth: 100, variants: [a]}
`,
		"unknown-preset.yaml": `presets:
  - {name: a, suffix: a1, width: 10, height: 10, videoBitrateKbps: 1, audioBitrateKbps: 1, preset: fast, crf: 20}
tiers:
  - {minWidth: 0, variants: [b]}
`,
		"bad-suffix.yaml": `presets:
  - {name: a, suffix: ../x, width: 10, height: 10, videoBitrateKbps: 1, audioBitrateKbps: 1, preset: fast, crf: 20}
tiers:
  - {minWidth: 0, variants: [a]}
`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadTable(path)
		assert.Error(t, err, name)
	}
}
