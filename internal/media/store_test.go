package media

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"recap/internal/models"
)

func TestStore_SaveAndResolve(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rel, size, err := s.Save(7, "standup.wav", strings.NewReader("RIFF...."))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if size != 8 {
		t.Errorf("size = %d", size)
	}
	if !strings.HasPrefix(rel, "7/") || !strings.HasSuffix(rel, ".wav") {
		t.Errorf("rel = %q", rel)
	}

	path, err := s.Resolve(&models.AudioAsset{Path: rel})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "RIFF...." {
		t.Errorf("content = %q", data)
	}

	rel2, _, err := s.Save(7, "voice memo", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(rel2, DefaultExt) || rel2 == rel {
		t.Errorf("rel2 = %q", rel2)
	}
}

func TestStore_ResolveNormalizesLegacyPaths(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rel, _, err := s.Save(3, "a.m4a", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	want := filepath.Join(s.Root(), filepath.FromSlash(rel))

	tests := map[string]string{
		"relative":    rel,
		"backslashes": strings.ReplaceAll(rel, "/", "\\"),
		"dot prefix":  "./" + rel,
		"root name":   "media/" + rel,
		"absolute":    want,
	}
	for name, stored := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := s.Resolve(&models.AudioAsset{Path: stored})
			if err != nil {
				t.Fatalf("Resolve(%q): %v", stored, err)
			}
			if got != want {
				t.Errorf("Resolve(%q) = %q, want %q", stored, got, want)
			}
		})
	}
}

func TestStore_ResolveMissing(t *testing.T) {
	s, _ := New(t.TempDir())
	for _, asset := range []*models.AudioAsset{nil, {Path: ""}, {Path: "1/gone.m4a"}, {Path: "../../etc/passwd"}} {
		if _, err := s.Resolve(asset); !errors.Is(err, ErrFileMissing) {
			t.Errorf("Resolve(%+v) = %v, want ErrFileMissing", asset, err)
		}
	}
}

func TestStore_Remove(t *testing.T) {
	s, _ := New(t.TempDir())
	rel, _, _ := s.Save(1, "a.m4a", strings.NewReader("x"))
	asset := &models.AudioAsset{Path: rel}

	if err := s.Remove(asset); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Resolve(asset); !errors.Is(err, ErrFileMissing) {
		t.Errorf("file still resolvable after Remove: %v", err)
	}
	if err := s.Remove(asset); err != nil {
		t.Errorf("second Remove should be a no-op: %v", err)
	}
}
