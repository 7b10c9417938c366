package ladder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterPlaylistFormat(t *testing.T) {
	p := newDefaultPlanner(t)
	ladder, err := p.Plan(640, "")
	require.NoError(t, err)

	want := "#EXTM3U\n#EXT-X-VERSION:3\n\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=854x480\n480p/playlist.m3u8\n\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360\n360p/playlist.m3u8\n\n"
	assert.Equal(t, want, string(MasterPlaylist(ladder)))
}

func TestWriteMaster(t *testing.T) {
	p := newDefaultPlanner(t)
	ladder, err := p.Plan(1920, "")
	require.NoError(t, err)
	dir := t.TempDir()

	path, err := WriteMaster(dir, ladder)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, MasterPlaylistName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "#EXT-X-STREAM-INF"))
	assert.Contains(t, string(data), "1080p/playlist.m3u8\n")

	_, err = WriteMaster(dir, nil)
	assert.Error(t, err)
}

func TestBuildArgs(t *testing.T) {
	p := newDefaultPlanner(t)
	ladder, err := p.Plan(640, "")
	require.NoError(t, err)
	thumb := DefaultThumbnail()

	args, err := BuildArgs(JobInput{
		IngestURL: "rtmp://localhost:1935/live/validkey123456",
		OutputDir: "/srv/hls/validkey123456",
		Ladder:    ladder,
		Thumbnail: &thumb,
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-progress pipe:1")
	assert.Contains(t, joined, "-re -fflags +genpts -i rtmp://localhost:1935/live/validkey123456")
	assert.Contains(t, joined, "-s 854x480 -b:v 1000k -maxrate 1000k -bufsize 2000k")
	assert.Contains(t, joined, "-b:a 64k")
	assert.Contains(t, joined, "-hls_time 6 -hls_list_size 10 -hls_flags delete_segments")
	assert.Contains(t, joined, "-hls_segment_filename /srv/hls/validkey123456/480p/segment_%03d.ts /srv/hls/validkey123456/480p/playlist.m3u8")
	assert.Contains(t, joined, "/srv/hls/validkey123456/360p/playlist.m3u8")
	assert.Contains(t, joined, "-vf fps=1/30,scale=320:240")
	assert.Equal(t, "/srv/hls/validkey123456/thumbnail.jpg", args[len(args)-1])
	assert.Equal(t, 2, strings.Count(joined, "-f hls"))
}

func TestBuildArgsUnboundedWindowKeepsSegments(t *testing.T) {
	p, err := NewPlanner(Config{WindowSize: 0})
	require.NoError(t, err)
	ladder, err := p.Plan(640, "")
	require.NoError(t, err)

	args, err := BuildArgs(JobInput{IngestURL: "rtmp://x/live/k", OutputDir: "/out", Ladder: ladder})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-hls_list_size 0")
	assert.NotContains(t, joined, "delete_segments")
	assert.NotContains(t, joined, "thumbnail.jpg")
}

func TestBuildArgsValidation(t *testing.T) {
	_, err := BuildArgs(JobInput{OutputDir: "/out"})
	assert.Error(t, err)
	_, err = BuildArgs(JobInput{IngestURL: "rtmp://x", OutputDir: "/out"})
	assert.Error(t, err)
}
