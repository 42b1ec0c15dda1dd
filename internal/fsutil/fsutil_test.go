package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListFramesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "night")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"b.fits", "a.FTS", "c.fits.gz", "notes.txt", ".grid-1.tmp", "preview.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(sub, "d.fit"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := ListFrames(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.FTS", "b.fits", "c.fits.gz", filepath.Join("night", "d.fit")}
	if len(files) != len(want) {
		t.Fatalf("expected %d files, got %v", len(want), files)
	}
	for i, w := range want {
		if files[i] != filepath.Join(dir, w) {
			t.Fatalf("expected %s at %d, got %s", w, i, files[i])
		}
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	if err := os.WriteFile(present, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := FirstExisting("", filepath.Join(dir, "missing"), present); got != present {
		t.Fatalf("expected %s, got %s", present, got)
	}
	if got := FirstExisting(filepath.Join(dir, "missing")); got != "" {
		t.Fatalf("expected empty, got %s", got)
	}
}
