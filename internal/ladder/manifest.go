package ladder

import (
	"fmt"
	"path/filepath"
	"strings"

	"stream-orchestrator/internal/artifacts"
	"stream-orchestrator/internal/models"
)

// MasterPlaylistName is the top-level manifest inside a stream directory.
const MasterPlaylistName = "master.m3u8"

// MasterPlaylist renders the top-level manifest referencing each variant
// playlist by its relative path.
func MasterPlaylist(ladder []models.QualityVariant) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n\n")
	for _, v := range ladder {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", v.VideoBitrateKbps*1000, v.Width, v.Height)
		b.WriteString(v.PlaylistPath())
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

// WriteMaster atomically writes master.m3u8 into dir and returns its path.
func WriteMaster(dir string, ladder []models.QualityVariant) (string, error) {
	if len(ladder) == 0 {
		return "", fmt.Errorf("ladder is empty")
	}
	path := filepath.Join(dir, MasterPlaylistName)
	if err := artifacts.WriteFileAtomic(path, MasterPlaylist(ladder), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return path, nil
}
