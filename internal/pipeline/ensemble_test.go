package pipeline

import (
	"context"
	"testing"

	"parallax/internal/config"
	"parallax/internal/fsutil"
	"parallax/internal/storage"
)

func TestMergeEnsembleConcatenatesStores(t *testing.T) {
	scene, imageDir := makeScene(t, "a.jpg", "b.jpg")
	cfg := config.Default()
	cfg.Features = []config.EngineConfig{
		{Name: "first", Command: "feature-extract"},
		{Name: "second", Command: "feature-extract"},
	}
	cfg.Matching = []config.EngineConfig{
		{Name: "nn", Command: "feature-match"},
		{Name: "nn", Command: "feature-match"},
	}
	p := &Pipeline{
		cfg:    cfg,
		log:    testLogger(),
		paths:  NewPaths(scene, imageDir),
		scene:  scene,
		images: []string{"a.jpg", "b.jpg"},
		angles: map[string]int{},
		subs:   make(map[int]chan StageEvent),
	}

	for i, name := range []string{"first", "second"} {
		f := openFeaturesT(t, p.paths.FeaturesPathFor(name))
		kps := []storage.Keypoint{{X: float64(i), Y: 0}, {X: float64(i), Y: 1}}
		for _, img := range p.images {
			if err := f.SetKeypoints(img, kps); err != nil {
				t.Fatal(err)
			}
		}
		m := openMatchesT(t, p.paths.MatchesPathFor(name))
		if err := m.SetMatches("a.jpg", "b.jpg", []storage.Match{{I: 0, J: 1, Score: 0.9}}); err != nil {
			t.Fatal(err)
		}
	}

	status, err := p.runMergeEnsemble(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	features := openFeaturesT(t, p.paths.FeaturesPath)
	count, err := features.Count("a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("expected 2+2 keypoints, got %d", count)
	}
	matches := openMatchesT(t, p.paths.MatchesPath)
	ms, err := matches.Matches("a.jpg", "b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 merged matches, got %d", len(ms))
	}
	// The second configuration's indices are shifted by the first's counts.
	if ms[1].I != 2 || ms[1].J != 3 {
		t.Fatalf("expected shifted match (2,3), got (%d,%d)", ms[1].I, ms[1].J)
	}
	if !fsutil.Exists(p.paths.PairsPath) {
		t.Fatal("merged pairs file missing")
	}

	status, err = p.runMergeEnsemble(context.Background())
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if status != StatusCached {
		t.Fatalf("expected cached, got %s", status)
	}
}

func TestMergeEnsembleDisabledForSingleConfig(t *testing.T) {
	scene, imageDir := makeScene(t, "a.jpg", "b.jpg")
	p := &Pipeline{
		cfg:    config.Default(),
		log:    testLogger(),
		paths:  NewPaths(scene, imageDir),
		scene:  scene,
		images: []string{"a.jpg", "b.jpg"},
		angles: map[string]int{},
		subs:   make(map[int]chan StageEvent),
	}
	status, err := p.runMergeEnsemble(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if status != StatusDisabled {
		t.Fatalf("expected disabled, got %s", status)
	}
}
