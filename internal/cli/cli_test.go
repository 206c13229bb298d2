package cli

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"log/slog"

	"parallax/internal/config"
	"parallax/internal/pipeline"
	"parallax/internal/sparse"
	"parallax/internal/storage"
	"parallax/internal/tasks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngines satisfy the pipeline contracts without external binaries.
type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, cfg config.EngineConfig, imageDir string, images []string, store *storage.FeatureStore) error {
	for _, name := range images {
		kps := make([]storage.Keypoint, 120)
		for i := range kps {
			kps[i] = storage.Keypoint{X: float64(i % 40), Y: float64(i % 20)}
		}
		if err := store.SetKeypoints(name, kps); err != nil {
			return err
		}
	}
	return nil
}

type fakeMatcher struct{}

func (fakeMatcher) Match(ctx context.Context, cfg config.EngineConfig, pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error {
	ms := make([]storage.Match, 120)
	for i := range ms {
		ms[i] = storage.Match{I: i, J: i, Score: 1}
	}
	for _, pair := range pairs {
		if err := store.SetMatches(pair[0], pair[1], ms); err != nil {
			return err
		}
	}
	return nil
}

type fakeReconstructor struct{}

func (fakeReconstructor) Reconstruct(ctx context.Context, req tasks.ReconstructRequest) (*sparse.Model, error) {
	model := sparse.NewModel()
	model.Cameras[1] = sparse.Camera{ID: 1, Model: "SIMPLE_PINHOLE", Width: 64, Height: 64, Params: []float64{32, 32, 32}}
	for i, name := range req.Images {
		model.Images[i+1] = sparse.Image{ID: i + 1, Qvec: [4]float64{1, 0, 0, 0}, CameraID: 1, Name: name}
	}
	if err := model.Write(req.ModelDir); err != nil {
		return nil, err
	}
	return model, nil
}

type fakeOps struct{}

func (fakeOps) Name() string    { return "fake" }
func (fakeOps) Available() bool { return true }

func (fakeOps) Dimensions(path string) (int, int, error) { return 64, 64, nil }

func (fakeOps) CropFile(src, dst string, r image.Rectangle) error {
	return os.WriteFile(dst, []byte("c"), 0o644)
}

func (fakeOps) RotateFile(src, dst string, angle int) error {
	return os.WriteFile(dst, []byte("r"), 0o644)
}

func TestRunSceneWithFakeEngines(t *testing.T) {
	scene := t.TempDir()
	imageDir := filepath.Join(scene, "images")
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		if err := os.WriteFile(filepath.Join(imageDir, name), []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	root := NewRoot(config.Default(), testLogger(), nil)
	root.enginesFn = func() (pipeline.Engines, error) {
		return pipeline.Engines{
			Extractor:     fakeExtractor{},
			Matcher:       fakeMatcher{},
			Reconstructor: fakeReconstructor{},
			ImageOps:      fakeOps{},
		}, nil
	}
	if err := root.RunScene(context.Background(), scene, "", false); err != nil {
		t.Fatalf("run scene: %v", err)
	}
	if _, err := os.Stat(filepath.Join(scene, "pairs.txt")); err != nil {
		t.Fatalf("pairs file missing: %v", err)
	}
}

func TestFormatReportListsEveryStage(t *testing.T) {
	report := &pipeline.Report{RunID: "r1", Scene: "s"}
	for _, stage := range pipeline.StageOrder {
		report.Stages = append(report.Stages, pipeline.StageTiming{Stage: stage, Status: pipeline.StatusDisabled})
	}
	out := FormatReport(report)
	for _, stage := range pipeline.StageOrder {
		if !strings.Contains(out, string(stage)) {
			t.Errorf("report missing stage %s", stage)
		}
	}
	if !strings.Contains(out, "no sparse model") {
		t.Error("report should note the absent model")
	}
}

func TestConfigInitRefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := configInit(path, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := configInit(path, false); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if err := configInit(path, true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var written config.Config
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("written config is not valid JSON: %v", err)
	}
	if written.Cropping.MinMatches != 100 {
		t.Fatalf("defaults not persisted, min_matches=%d", written.Cropping.MinMatches)
	}
}

func TestSceneRunnerSkipsSceneAlreadyInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	sr := newSceneRunner(func(scene string) {
		started <- scene
		<-release
	})

	if !sr.dispatch("scene-a") {
		t.Fatal("first dispatch should start a run")
	}
	<-started

	// The same scene settling again while its run is active must not start a
	// second, overlapping run.
	if sr.dispatch("scene-a") {
		t.Fatal("dispatch while in flight should be dropped")
	}
	// A different scene is independent.
	if !sr.dispatch("scene-b") {
		t.Fatal("other scenes should still run")
	}
	<-started

	close(release)
	// Once the run finishes, the scene can be dispatched again.
	for i := 0; i < 100; i++ {
		if sr.dispatch("scene-a") {
			<-started
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scene never became dispatchable after run finished")
}
