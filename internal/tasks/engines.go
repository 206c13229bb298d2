// Package tasks wraps the external engines the pipeline delegates to:
// orientation preprocessing, feature extraction, matching, reconstruction
// and bundle refinement. Each engine is an interface so pipeline variants
// and tests can substitute implementations; the production implementations
// shell out to configured tools.
package tasks

import (
	"context"
	"time"

	"parallax/internal/sparse"
	"parallax/internal/storage"

	"parallax/internal/config"
)

// PreprocessRequest asks for orientation-normalized copies of a scene.
type PreprocessRequest struct {
	InputDir   string
	RotatedDir string
	Images     []string
}

// PreprocessResult carries the per-image rotation record. Angles holds an
// entry for every requested image; SameShapes reports whether all images
// share pixel dimensions (which allows a shared camera model downstream).
type PreprocessResult struct {
	Angles     map[string]int
	SameShapes bool
}

// Preprocessor detects image orientation and writes upright-rotated copies.
type Preprocessor interface {
	Preprocess(ctx context.Context, req PreprocessRequest) (PreprocessResult, error)
}

// Extractor runs local feature extraction over a set of images and fills
// the given feature container.
type Extractor interface {
	Extract(ctx context.Context, cfg config.EngineConfig, imageDir string, images []string, store *storage.FeatureStore) error
}

// GlobalExtractor produces one global retrieval descriptor per image.
type GlobalExtractor interface {
	ExtractGlobal(ctx context.Context, cfg config.Retrieval, imageDir string, images []string, store *storage.FeatureStore) error
}

// Matcher runs feature matching over a pair list and fills the given match
// container. Indices in the produced matches reference the keypoint
// sequences of the feature container.
type Matcher interface {
	Match(ctx context.Context, cfg config.EngineConfig, pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error
}

// ReconstructRequest carries the inputs of a sparse reconstruction.
type ReconstructRequest struct {
	ModelDir     string
	ImageDir     string
	Images       []string
	PairsPath    string
	FeaturesPath string
	MatchesPath  string
	SharedCamera bool
}

// Reconstructor builds a sparse model. A nil model with a nil error is not
// produced: failures are errors, and the caller decides they are non-fatal.
type Reconstructor interface {
	Reconstruct(ctx context.Context, req ReconstructRequest) (*sparse.Model, error)
}

// RefineRequest carries the inputs of the out-of-process bundle refinement
// engine. The engine writes its output model directly to ModelDir.
type RefineRequest struct {
	ModelDir     string
	ImageDir     string
	PairsPath    string
	FeaturesPath string
	MatchesPath  string
	CacheDir     string
	Variant      string
	Timeout      time.Duration
}

// Refiner invokes the refinement engine and reports its structured result.
type Refiner interface {
	Refine(ctx context.Context, req RefineRequest) (ProcResult, error)
}

// ProcResult is the structured outcome of one external process invocation:
// exit status plus the combined stdout/stderr captured after termination.
type ProcResult struct {
	ExitCode int
	Output   []byte
	Duration time.Duration
}
