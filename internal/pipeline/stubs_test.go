package pipeline

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"

	"log/slog"

	"parallax/internal/config"
	"parallax/internal/sparse"
	"parallax/internal/storage"
	"parallax/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubOps reports fixed dimensions and creates crop/rotate outputs as
// placeholder files.
type stubOps struct {
	w, h  int
	crops [][2]string // src, dst of each CropFile call
}

func (o *stubOps) Name() string    { return "stub" }
func (o *stubOps) Available() bool { return true }

func (o *stubOps) Dimensions(path string) (int, int, error) {
	return o.w, o.h, nil
}

func (o *stubOps) CropFile(src, dst string, r image.Rectangle) error {
	o.crops = append(o.crops, [2]string{src, dst})
	return os.WriteFile(dst, []byte("crop"), 0o644)
}

func (o *stubOps) RotateFile(src, dst string, angle int) error {
	return os.WriteFile(dst, []byte("rotated"), 0o644)
}

type stubExtractor struct {
	calls int
	fill  func(imageDir string, images []string, store *storage.FeatureStore) error
}

func (e *stubExtractor) Extract(ctx context.Context, cfg config.EngineConfig, imageDir string, images []string, store *storage.FeatureStore) error {
	e.calls++
	return e.fill(imageDir, images, store)
}

type stubMatcher struct {
	calls int
	fill  func(pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error
}

func (m *stubMatcher) Match(ctx context.Context, cfg config.EngineConfig, pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error {
	m.calls++
	return m.fill(pairs, features, store)
}

type stubReconstructor struct {
	calls int
	err   error
}

func (r *stubReconstructor) Reconstruct(ctx context.Context, req tasks.ReconstructRequest) (*sparse.Model, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	model := sparse.NewModel()
	model.Cameras[1] = sparse.Camera{ID: 1, Model: "SIMPLE_PINHOLE", Width: 100, Height: 50, Params: []float64{50, 50, 25}}
	for i, name := range req.Images {
		model.Images[i+1] = sparse.Image{ID: i + 1, Qvec: [4]float64{1, 0, 0, 0}, CameraID: 1, Name: name}
	}
	if err := model.Write(req.ModelDir); err != nil {
		return nil, err
	}
	return model, nil
}

// uniformKeypoints gives every image the same grid of n keypoints.
func uniformKeypoints(n int) func(string, []string, *storage.FeatureStore) error {
	return func(imageDir string, images []string, store *storage.FeatureStore) error {
		kps := make([]storage.Keypoint, n)
		for i := range kps {
			kps[i] = storage.Keypoint{X: float64(10 + i%30), Y: float64(10 + i%15)}
		}
		for _, name := range images {
			if err := store.SetKeypoints(name, kps); err != nil {
				return err
			}
		}
		return nil
	}
}

// identityMatches matches keypoint i to keypoint i for every pair.
func identityMatches(n int, score float64) func([][2]string, *storage.FeatureStore, *storage.MatchStore) error {
	return func(pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error {
		ms := make([]storage.Match, n)
		for i := range ms {
			ms[i] = storage.Match{I: i, J: i, Score: score}
		}
		for _, pair := range pairs {
			if err := store.SetMatches(pair[0], pair[1], ms); err != nil {
				return err
			}
		}
		return nil
	}
}

func makeScene(t *testing.T, images ...string) (sceneDir, imageDir string) {
	t.Helper()
	sceneDir = t.TempDir()
	imageDir = filepath.Join(sceneDir, "images")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range images {
		if err := os.WriteFile(filepath.Join(imageDir, name), []byte("img"), 0o644); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	return sceneDir, imageDir
}

func openFeaturesT(t *testing.T, path string) *storage.FeatureStore {
	t.Helper()
	s, err := storage.OpenFeatures(path)
	if err != nil {
		t.Fatalf("open features %s: %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openMatchesT(t *testing.T, path string) *storage.MatchStore {
	t.Helper()
	s, err := storage.OpenMatches(path)
	if err != nil {
		t.Fatalf("open matches %s: %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
