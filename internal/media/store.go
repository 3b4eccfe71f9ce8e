// Package media stores uploaded recordings on the local filesystem.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"recap/internal/models"
)

// DefaultExt is used when an upload has no file extension
const DefaultExt = ".m4a"

// ErrFileMissing is returned when an asset's file is not on disk
var ErrFileMissing = errors.New("audio file missing")

// Store keeps files under a single media root. Asset paths are stored
// relative to the root with forward slashes.
type Store struct {
	root string
}

// New creates the media root if needed and returns a Store for it
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute media root
func (s *Store) Root() string {
	return s.root
}

// Save writes r to <root>/<user>/<random><ext> and returns the relative path
// and the number of bytes written.
func (s *Store) Save(userID int64, filename string, r io.Reader) (string, int64, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = DefaultExt
	}
	rel := strconv.FormatInt(userID, 10) + "/" + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
	path := filepath.Join(s.root, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	return rel, size, nil
}

// Resolve returns the absolute path of the asset's file. The file must exist.
func (s *Store) Resolve(asset *models.AudioAsset) (string, error) {
	if asset == nil {
		return "", ErrFileMissing
	}
	path := s.normalize(asset.Path)
	if path == "" {
		return "", ErrFileMissing
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrFileMissing, asset.Path)
	}
	return path, nil
}

// Remove deletes the asset's file. A file that is already gone is not an error.
func (s *Store) Remove(asset *models.AudioAsset) error {
	if asset == nil {
		return nil
	}
	path := s.normalize(asset.Path)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", asset.Path, err)
	}
	return nil
}

// normalize accepts paths written by older clients: backslashes, a leading
// "./", a leading media root directory name, or an absolute path.
func (s *Store) normalize(stored string) string {
	p := strings.ReplaceAll(strings.TrimSpace(stored), "\\", "/")
	p = strings.TrimPrefix(p, "./")
	if p == "" {
		return ""
	}

	if filepath.IsAbs(filepath.FromSlash(p)) {
		abs := filepath.Clean(filepath.FromSlash(p))
		if rel, err := filepath.Rel(s.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.Join(s.root, rel)
		}
		return abs
	}

	parts := strings.Split(p, "/")
	if len(parts) > 1 && parts[0] == filepath.Base(s.root) {
		parts = parts[1:]
	}
	joined := filepath.Join(append([]string{s.root}, parts...)...)
	// Relative paths never escape the root.
	if rel, err := filepath.Rel(s.root, joined); err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return joined
}
