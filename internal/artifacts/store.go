package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stream-orchestrator/internal/models"
)

const dirPerm = 0o755

// Entry describes one file inside a stream directory.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store manages per-stream directories beneath a root.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore resolves root to an absolute path and creates it.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: abs, logger: logger}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory for key without touching the filesystem.
func (s *Store) Dir(key string) (string, error) {
	if err := models.ValidateStreamKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}

// Prepare creates the stream directory and one sub-directory per suffix.
// Existing content is left in place; ffmpeg overwrites playlists and
// segments as it goes.
func (s *Store) Prepare(key string, suffixes []string) (string, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create stream dir: %w", err)
	}
	for _, suffix := range suffixes {
		clean := filepath.Clean(suffix)
		if clean == "." || strings.Contains(clean, "..") || filepath.IsAbs(clean) || strings.ContainsRune(clean, filepath.Separator) {
			return "", models.Errorf(models.ErrInvalidRequest, "invalid variant suffix %q", suffix)
		}
		if err := os.MkdirAll(filepath.Join(dir, clean), dirPerm); err != nil {
			return "", fmt.Errorf("create variant dir %s: %w", clean, err)
		}
	}
	s.logger.Debug("prepared stream directory", "stream_key", key, "dir", dir, "variants", len(suffixes))
	return dir, nil
}

// List returns every regular file under the stream directory, sorted by
// path relative to it.
func (s *Store) List(key string) ([]Entry, error) {
	dir, err := s.Dir(key)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.Errorf(models.ErrSessionNotFound, "no artifacts for stream")
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Keys lists the stream directories currently present under the root.
func (s *Store) Keys() ([]string, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root: %w", err)
	}
	keys := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() && models.ValidStreamKey(entry.Name()) {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}

// RemoveDir deletes dir, which must be a direct child of the root.
func (s *Store) RemoveDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve dir: %w", err)
	}
	if filepath.Dir(abs) != s.root || !models.ValidStreamKey(filepath.Base(abs)) {
		return fmt.Errorf("refusing to remove %s outside artifact root", abs)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove %s: %w", abs, err)
	}
	s.logger.Info("removed stream directory", "dir", abs)
	return nil
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and
// renames it into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
