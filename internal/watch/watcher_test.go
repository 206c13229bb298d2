package watch

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherReportsSettledScene(t *testing.T) {
	root := t.TempDir()
	scene := filepath.Join(root, "old-town")
	images := filepath.Join(scene, "images")
	if err := os.MkdirAll(images, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New(root, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	for _, name := range []string{"a.jpg", "b.jpg"} {
		if err := os.WriteFile(filepath.Join(images, name), []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-w.Scenes:
		if got != scene {
			t.Fatalf("expected scene %q, got %q", scene, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no scene notification")
	}

	// Both writes fall inside one debounce window.
	select {
	case extra := <-w.Scenes:
		t.Fatalf("unexpected second notification for %q", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherPicksUpImagesDirCreatedLater(t *testing.T) {
	root := t.TempDir()

	w, err := New(root, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	scene := filepath.Join(root, "harbor")
	images := filepath.Join(scene, "images")
	if err := os.MkdirAll(scene, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new scene directory before
	// creating the images directory inside it.
	time.Sleep(100 * time.Millisecond)
	if err := os.Mkdir(images, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(images, "a.jpg"), []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-w.Scenes:
		if got != scene {
			t.Fatalf("expected scene %q, got %q", scene, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no scene notification")
	}
}

func TestWatcherIgnoresImagesOutsideImagesDir(t *testing.T) {
	root := t.TempDir()
	scene := filepath.Join(root, "scene")
	if err := os.MkdirAll(scene, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := New(root, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// A run reads <scene>/images; loose images elsewhere must not trigger one.
	if err := os.WriteFile(filepath.Join(scene, "stray.jpg"), []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-w.Scenes:
		t.Fatalf("unexpected notification for %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherIgnoresNonImages(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "scene", "images")
	if err := os.MkdirAll(images, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := New(root, 50*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(images, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-w.Scenes:
		t.Fatalf("unexpected notification for %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}
