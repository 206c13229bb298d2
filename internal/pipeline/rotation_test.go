package pipeline

import (
	"context"
	"math"
	"testing"

	"parallax/internal/config"
	"parallax/internal/sparse"
	"parallax/internal/storage"
)

func rotationPipeline(t *testing.T, rot config.Rotation) *Pipeline {
	t.Helper()
	scene, imageDir := makeScene(t, "a.jpg", "b.jpg")
	cfg := config.Default()
	cfg.Rotation = rot
	return &Pipeline{
		cfg:     cfg,
		log:     testLogger(),
		engines: Engines{ImageOps: &stubOps{w: 100, h: 50}},
		paths:   NewPaths(scene, imageDir),
		scene:   scene,
		images:  []string{"a.jpg", "b.jpg"},
		angles:  map[string]int{"a.jpg": 90, "b.jpg": 0},
		subs:    make(map[int]chan StageEvent),
	}
}

func TestNormalizeRotationRewritesKeypoints(t *testing.T) {
	p := rotationPipeline(t, config.Rotation{Matching: true})
	p.numRotated = 1

	rotated := openFeaturesT(t, p.paths.RotatedFeaturesPath)
	if err := rotated.SetKeypoints("a.jpg", []storage.Keypoint{{X: 10, Y: 20}}); err != nil {
		t.Fatal(err)
	}
	if err := rotated.SetKeypoints("b.jpg", []storage.Keypoint{{X: 7, Y: 8}}); err != nil {
		t.Fatal(err)
	}

	status, err := p.runNormalizeRotation(context.Background())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	final := openFeaturesT(t, p.paths.FeaturesPath)
	kps, err := final.Keypoints("a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	// 90 degree case in a rotated image of 100x50: (10,20) -> (20, 99-10).
	if kps[0].X != 20 || kps[0].Y != 89 {
		t.Fatalf("expected (20,89), got (%g,%g)", kps[0].X, kps[0].Y)
	}
	kps, err = final.Keypoints("b.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if kps[0].X != 7 || kps[0].Y != 8 {
		t.Fatalf("upright image must be untouched, got (%g,%g)", kps[0].X, kps[0].Y)
	}

	// The rewritten container is the checkpoint.
	status, err = p.runNormalizeRotation(context.Background())
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if status != StatusCached {
		t.Fatalf("expected cached, got %s", status)
	}
}

func TestNormalizeRotationDisabledWithoutMatchingMode(t *testing.T) {
	p := rotationPipeline(t, config.Rotation{Wrapper: true})
	status, err := p.runNormalizeRotation(context.Background())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if status != StatusDisabled {
		t.Fatalf("expected disabled, got %s", status)
	}
}

func TestBackRotatePosesAppliesInverseRotation(t *testing.T) {
	p := rotationPipeline(t, config.Rotation{Wrapper: true})
	model := sparse.NewModel()
	model.Cameras[1] = sparse.Camera{ID: 1, Model: "SIMPLE_PINHOLE", Width: 100, Height: 50, Params: []float64{50, 50, 25}}
	model.Images[1] = sparse.Image{ID: 1, Qvec: [4]float64{1, 0, 0, 0}, Tvec: [3]float64{1, 0, 0}, CameraID: 1, Name: "a.jpg"}
	model.Images[2] = sparse.Image{ID: 2, Qvec: [4]float64{1, 0, 0, 0}, Tvec: [3]float64{0, 1, 0}, CameraID: 1, Name: "b.jpg"}
	p.model = model

	status, err := p.runBackRotatePoses(context.Background())
	if err != nil {
		t.Fatalf("back-rotate: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	// a.jpg was rotated 90, so its pose is corrected by Rz(-90):
	// t=(1,0,0) maps to (0,-1,0).
	got := p.model.Images[1].Tvec
	if math.Abs(got[0]) > 1e-9 || math.Abs(got[1]+1) > 1e-9 || math.Abs(got[2]) > 1e-9 {
		t.Fatalf("expected translation (0,-1,0), got %v", got)
	}
	q := p.model.Images[1].Qvec
	half := math.Sqrt2 / 2
	if math.Abs(q[0]-half) > 1e-9 || math.Abs(q[3]+half) > 1e-9 {
		t.Fatalf("expected quaternion for Rz(-90), got %v", q)
	}

	// b.jpg is upright and must be untouched.
	if p.model.Images[2].Tvec != [3]float64{0, 1, 0} {
		t.Fatalf("upright pose changed: %v", p.model.Images[2].Tvec)
	}

	// The corrected model is persisted.
	reread, err := sparse.Read(p.paths.ModelDir)
	if err != nil {
		t.Fatalf("reread model: %v", err)
	}
	if len(reread.Images) != 2 {
		t.Fatalf("persisted model has %d images", len(reread.Images))
	}
}

func TestBackRotatePosesWithoutModelIsNoOp(t *testing.T) {
	p := rotationPipeline(t, config.Rotation{Wrapper: true})
	p.model = nil
	status, err := p.runBackRotatePoses(context.Background())
	if err != nil {
		t.Fatalf("back-rotate: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed no-op, got %s", status)
	}
}
