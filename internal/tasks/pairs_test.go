package tasks

import (
	"path/filepath"
	"testing"

	"parallax/internal/storage"
)

func TestPairsFromExhaustive(t *testing.T) {
	pairs := PairsFromExhaustive([]string{"c.jpg", "a.jpg", "b.jpg"})
	want := [][2]string{
		{"a.jpg", "b.jpg"},
		{"a.jpg", "c.jpg"},
		{"b.jpg", "c.jpg"},
	}
	if len(pairs) != len(want) {
		t.Fatalf("expected %d pairs, got %d", len(want), len(pairs))
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d: expected %v, got %v", i, want[i], pairs[i])
		}
	}
}

func TestPairsFromExhaustiveSingleImage(t *testing.T) {
	if pairs := PairsFromExhaustive([]string{"only.jpg"}); len(pairs) != 0 {
		t.Fatalf("expected no pairs, got %v", pairs)
	}
}

func TestPairsFromRetrieval(t *testing.T) {
	store, err := storage.OpenFeatures(filepath.Join(t.TempDir(), "retrieval.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// a and b are near-identical, c is orthogonal to both.
	descs := map[string][]float64{
		"a.jpg": {1, 0, 0},
		"b.jpg": {0.99, 0.1, 0},
		"c.jpg": {0, 0, 1},
	}
	for name, d := range descs {
		if err := store.SetDescriptor(name, d); err != nil {
			t.Fatal(err)
		}
	}

	pairs, err := PairsFromRetrieval(store, []string{"a.jpg", "b.jpg", "c.jpg"}, 1)
	if err != nil {
		t.Fatalf("retrieval: %v", err)
	}

	found := make(map[[2]string]bool)
	for _, p := range pairs {
		if p[0] >= p[1] {
			t.Fatalf("pair %v not canonically ordered", p)
		}
		found[p] = true
	}
	if !found[[2]string{"a.jpg", "b.jpg"}] {
		t.Fatalf("expected nearest-neighbor pair (a,b), got %v", pairs)
	}
}

func TestPairsFromRetrievalRejectsBadTopK(t *testing.T) {
	store, err := storage.OpenFeatures(filepath.Join(t.TempDir(), "retrieval.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := PairsFromRetrieval(store, nil, 0); err == nil {
		t.Fatal("expected error for top_k = 0")
	}
}

func TestExtractVersion(t *testing.T) {
	out := "sparse-map version 3.9.1\nmore text\n"
	if v := extractVersion(out); v != "sparse-map version 3.9.1" {
		t.Fatalf("unexpected version line: %q", v)
	}
	if v := extractVersion("plain first line"); v != "plain first line" {
		t.Fatalf("unexpected fallback: %q", v)
	}
}
