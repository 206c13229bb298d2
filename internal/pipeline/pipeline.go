// Package pipeline orchestrates the staged matching workflow for one scene:
// orientation preprocessing, pair selection, feature extraction and matching,
// ensemble merging, crop augmentation, rotation normalization, sparse
// reconstruction and pose back-rotation. Stages are resumable: each one
// checks for its persisted output before doing work.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"parallax/internal/config"
	"parallax/internal/fsutil"
	"parallax/internal/logging"
	"parallax/internal/sparse"
	"parallax/internal/storage"
	"parallax/internal/tasks"
)

// Stage identifies one step of the scene workflow.
type Stage string

const (
	StagePreprocess           Stage = "preprocess"
	StageSelectPairs          Stage = "select_pairs"
	StageExtractFeatures      Stage = "extract_features"
	StageMatchFeatures        Stage = "match_features"
	StageMergeEnsemble        Stage = "merge_ensemble"
	StageAugmentCrops         Stage = "augment_crops"
	StageNormalizeRotation    Stage = "normalize_rotation"
	StageReconstruct          Stage = "reconstruct"
	StageBackRotatePoses      Stage = "back_rotate_poses"
	StageLocalizeUnregistered Stage = "localize_unregistered"
)

// StageOrder is the fixed execution order. Every run report carries an entry
// for each of these stages, even when a run aborts early.
var StageOrder = []Stage{
	StagePreprocess,
	StageSelectPairs,
	StageExtractFeatures,
	StageMatchFeatures,
	StageMergeEnsemble,
	StageAugmentCrops,
	StageNormalizeRotation,
	StageReconstruct,
	StageBackRotatePoses,
	StageLocalizeUnregistered,
}

// StageStatus reports how a stage concluded.
type StageStatus string

const (
	StatusCompleted StageStatus = "completed"
	StatusCached    StageStatus = "cached"
	StatusDisabled  StageStatus = "disabled"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// StageTiming records the outcome and wall time of one stage.
type StageTiming struct {
	Stage    Stage
	Status   StageStatus
	Duration time.Duration
}

// Report summarizes one run: timing for all stages in StageOrder plus the
// sparse model, when one was produced.
type Report struct {
	RunID  string
	Scene  string
	Stages []StageTiming
	Total  time.Duration
	Model  *sparse.Model
}

// StageEvent is broadcast to subscribers as each stage concludes.
type StageEvent struct {
	Scene    string
	Stage    Stage
	Status   StageStatus
	Duration time.Duration
	Error    string
}

// Engines bundles the external engine implementations a Pipeline drives.
type Engines struct {
	Preprocessor    tasks.Preprocessor
	Extractor       tasks.Extractor
	GlobalExtractor tasks.GlobalExtractor
	Matcher         tasks.Matcher
	Reconstructor   tasks.Reconstructor
	Refiner         tasks.Refiner
	ImageOps        tasks.ImageOps
}

// Pipeline runs the staged workflow for a single scene.
type Pipeline struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	engines Engines
	paths   Paths
	scene   string
	images  []string

	// state carried between stages
	angles     map[string]int
	numRotated int
	sameShapes bool
	model      *sparse.Model

	mu        sync.Mutex
	subs      map[int]chan StageEvent
	nextSubID int
}

// New validates the configuration, lists the scene's images and prepares a
// Pipeline. The store is optional; when present, runs and their stages are
// recorded in it.
func New(cfg *config.Config, logger *slog.Logger, store *storage.Store, engines Engines, sceneDir, imageDir string) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	images, err := fsutil.ListImages(imageDir)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	if len(images) < 2 {
		return nil, fmt.Errorf("scene %s: need at least 2 images, found %d", sceneDir, len(images))
	}
	return &Pipeline{
		cfg:     cfg,
		log:     logger,
		store:   store,
		engines: engines,
		paths:   NewPaths(sceneDir, imageDir),
		scene:   sceneDir,
		images:  images,
		angles:  map[string]int{},
		subs:    make(map[int]chan StageEvent),
	}, nil
}

// Images returns the sorted base names of the scene's images.
func (p *Pipeline) Images() []string { return append([]string(nil), p.images...) }

// Model returns the sparse model produced by the last run, or nil.
func (p *Pipeline) Model() *sparse.Model { return p.model }

// Subscribe returns a channel of stage events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan StageEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan StageEvent, 16)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev StageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

type stageFunc func(ctx context.Context) (StageStatus, error)

// Run executes every stage in order. It always returns a Report with an
// entry per stage; when a stage fails, the remaining stages are marked
// skipped and the stage's error is returned.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	runID := fmt.Sprintf("%s-%d", Slug(p.scene), time.Now().UnixNano())
	report := &Report{RunID: runID, Scene: p.scene}

	if p.store != nil {
		_ = p.store.RecordRunStart(runID, p.scene)
	}
	logging.LogStageBanner(p.log, fmt.Sprintf("scene %s (%d images)", p.scene, len(p.images)))

	funcs := map[Stage]stageFunc{
		StagePreprocess:           p.runPreprocess,
		StageSelectPairs:          p.runSelectPairs,
		StageExtractFeatures:      p.runExtractFeatures,
		StageMatchFeatures:        p.runMatchFeatures,
		StageMergeEnsemble:        p.runMergeEnsemble,
		StageAugmentCrops:         p.runAugmentCrops,
		StageNormalizeRotation:    p.runNormalizeRotation,
		StageReconstruct:          p.runReconstruct,
		StageBackRotatePoses:      p.runBackRotatePoses,
		StageLocalizeUnregistered: p.runLocalizeUnregistered,
	}

	start := time.Now()
	var runErr error
	for i, stage := range StageOrder {
		if runErr != nil {
			report.Stages = append(report.Stages, StageTiming{Stage: stage, Status: StatusSkipped})
			p.recordStage(runID, i, stage, StatusSkipped, 0)
			continue
		}

		logging.LogStageStart(p.log, p.scene, string(stage))
		stageStart := time.Now()
		status, err := funcs[stage](ctx)
		elapsed := time.Since(stageStart)

		if err != nil {
			status = StatusFailed
			runErr = fmt.Errorf("stage %s: %w", stage, err)
			logging.LogStageError(p.log, p.scene, string(stage), elapsed, err)
		} else {
			switch status {
			case StatusCached:
				logging.LogStageSkipped(p.log, p.scene, string(stage), "output present")
			case StatusDisabled:
				logging.LogStageSkipped(p.log, p.scene, string(stage), "disabled")
			default:
				logging.LogStageDone(p.log, p.scene, string(stage), elapsed)
			}
		}

		report.Stages = append(report.Stages, StageTiming{Stage: stage, Status: status, Duration: elapsed})
		p.recordStage(runID, i, stage, status, elapsed.Seconds())
		p.broadcast(StageEvent{
			Scene:    p.scene,
			Stage:    stage,
			Status:   status,
			Duration: elapsed,
			Error:    errString(err),
		})
	}
	report.Total = time.Since(start)
	report.Model = p.model

	if p.store != nil {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		_ = p.store.RecordRunResult(runID, status, errString(runErr))
	}
	return report, runErr
}

func (p *Pipeline) recordStage(runID string, pos int, stage Stage, status StageStatus, seconds float64) {
	if p.store == nil {
		return
	}
	_ = p.store.RecordStage(runID, pos, string(stage), string(status), seconds)
}

// rotationEnabled reports whether any orientation normalization is active.
func (p *Pipeline) rotationEnabled() bool {
	return p.cfg.Rotation.Matching || p.cfg.Rotation.Wrapper
}

// extractImageDir is the directory extraction and matching operate on. With
// rotation active that is the upright-rotated copies.
func (p *Pipeline) extractImageDir() string {
	if p.rotationEnabled() {
		return p.paths.RotatedImageDir
	}
	return p.paths.ImageDir
}

// workFeaturesPath is the primary feature container in the keypoint space
// extraction produced. With rotation matching, keypoints live in rotated
// space until normalize_rotation rewrites them into FeaturesPath.
func (p *Pipeline) workFeaturesPath() string {
	if p.cfg.Rotation.Matching {
		return p.paths.RotatedFeaturesPath
	}
	return p.paths.FeaturesPath
}

// finalFeaturesPath is the container reconstruction reads. Under the
// rotation wrapper, reconstruction runs on the rotated images, so features
// stay in rotated space and poses are corrected afterwards.
func (p *Pipeline) finalFeaturesPath() string {
	return p.paths.FeaturesPath
}

func (p *Pipeline) reconstructImageDir() string {
	if p.cfg.Rotation.Wrapper {
		return p.paths.RotatedImageDir
	}
	return p.paths.ImageDir
}

const rotationRecordFile = "rotation.json"

func (p *Pipeline) rotationRecordPath() string {
	return filepath.Join(p.paths.SceneDir, rotationRecordFile)
}

type rotationRecord struct {
	Angles     map[string]int `json:"angles"`
	SameShapes bool           `json:"same_shapes"`
}

func (p *Pipeline) saveRotationRecord() error {
	data, err := json.MarshalIndent(rotationRecord{Angles: p.angles, SameShapes: p.sameShapes}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p.rotationRecordPath(), data)
}

func (p *Pipeline) loadRotationRecord() error {
	data, err := os.ReadFile(p.rotationRecordPath())
	if err != nil {
		return err
	}
	var rec rotationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	p.angles = rec.Angles
	p.sameShapes = rec.SameShapes
	p.numRotated = 0
	for _, a := range rec.Angles {
		if a != 0 {
			p.numRotated++
		}
	}
	return nil
}

// angleFor returns the recorded rotation for an image. A missing entry is
// treated as upright with a warning, so a stale record cannot abort a run.
func (p *Pipeline) angleFor(name string) int {
	a, ok := p.angles[name]
	if !ok {
		p.log.Warn("no rotation record for image, assuming upright", "image", name)
		return 0
	}
	return a
}

func (p *Pipeline) runPreprocess(ctx context.Context) (StageStatus, error) {
	if !p.rotationEnabled() {
		p.sameShapes = p.probeSameShapes()
		return StatusDisabled, nil
	}
	if !p.cfg.Overwrite && fsutil.Exists(p.rotationRecordPath()) && fsutil.Exists(p.paths.RotatedImageDir) {
		if err := p.loadRotationRecord(); err == nil {
			return StatusCached, nil
		}
		p.log.Warn("rotation record unreadable, re-running preprocess")
	}
	res, err := p.engines.Preprocessor.Preprocess(ctx, tasks.PreprocessRequest{
		InputDir:   p.paths.ImageDir,
		RotatedDir: p.paths.RotatedImageDir,
		Images:     p.images,
	})
	if err != nil {
		return StatusFailed, err
	}
	p.angles = res.Angles
	p.sameShapes = res.SameShapes
	p.numRotated = 0
	for _, a := range res.Angles {
		if a != 0 {
			p.numRotated++
		}
	}
	if err := p.saveRotationRecord(); err != nil {
		return StatusFailed, fmt.Errorf("saving rotation record: %w", err)
	}
	p.log.Info("orientation preprocessing done",
		"images", len(p.images), "rotated", p.numRotated, "same_shapes", p.sameShapes)
	return StatusCompleted, nil
}

// probeSameShapes checks image dimensions directly when preprocessing is
// disabled, since shared-camera reconstruction still wants to know.
func (p *Pipeline) probeSameShapes() bool {
	if p.engines.ImageOps == nil {
		return false
	}
	var w0, h0 int
	for i, name := range p.images {
		w, h, err := p.engines.ImageOps.Dimensions(filepath.Join(p.paths.ImageDir, name))
		if err != nil {
			return false
		}
		if i == 0 {
			w0, h0 = w, h
			continue
		}
		if w != w0 || h != h0 {
			return false
		}
	}
	return true
}

func (p *Pipeline) runSelectPairs(ctx context.Context) (StageStatus, error) {
	if !p.cfg.Overwrite && fsutil.Exists(p.paths.PairsPath) {
		return StatusCached, nil
	}
	var pairs [][2]string
	if len(p.images) < p.cfg.Retrieval.Threshold {
		pairs = tasks.PairsFromExhaustive(p.images)
		p.log.Info("exhaustive pairing", "images", len(p.images), "pairs", len(pairs))
	} else {
		store, err := storage.OpenFeatures(p.paths.RetrievalPath)
		if err != nil {
			return StatusFailed, err
		}
		defer store.Close()
		if err := p.engines.GlobalExtractor.ExtractGlobal(ctx, p.cfg.Retrieval, p.extractImageDir(), p.images, store); err != nil {
			return StatusFailed, fmt.Errorf("global extraction: %w", err)
		}
		pairs, err = tasks.PairsFromRetrieval(store, p.images, p.cfg.Retrieval.TopK)
		if err != nil {
			return StatusFailed, err
		}
		p.log.Info("retrieval pairing", "images", len(p.images), "top_k", p.cfg.Retrieval.TopK, "pairs", len(pairs))
	}
	if err := fsutil.WritePairs(p.paths.PairsPath, pairs); err != nil {
		return StatusFailed, err
	}
	return StatusCompleted, nil
}

func (p *Pipeline) runExtractFeatures(ctx context.Context) (StageStatus, error) {
	return p.variant().ExtractFeatures(ctx)
}

func (p *Pipeline) runMatchFeatures(ctx context.Context) (StageStatus, error) {
	return p.variant().MatchFeatures(ctx)
}

func (p *Pipeline) runReconstruct(ctx context.Context) (StageStatus, error) {
	if !p.cfg.Overwrite && fsutil.Exists(p.paths.ModelDir) {
		model, err := sparse.Read(p.paths.ModelDir)
		if err == nil {
			p.model = model
			return StatusCached, nil
		}
		p.log.Warn("existing sparse model unreadable, re-running reconstruction", "error", err)
	}
	model, err := p.engines.Reconstructor.Reconstruct(ctx, tasks.ReconstructRequest{
		ModelDir:     p.paths.ModelDir,
		ImageDir:     p.reconstructImageDir(),
		Images:       p.images,
		PairsPath:    p.paths.PairsPath,
		FeaturesPath: p.finalFeaturesPath(),
		MatchesPath:  p.paths.MatchesPath,
		SharedCamera: p.cfg.Reconstruction.SharedCamera && p.sameShapes,
	})
	if err != nil {
		// Reconstruction failure is not fatal to the run: the scene simply
		// ends without a model, and the pose stages become no-ops.
		p.log.Error("reconstruction failed", "scene", p.scene, "error", err)
		p.model = nil
		return StatusFailed, nil
	}
	p.model = model
	p.log.Info("sparse reconstruction done",
		"registered", len(model.Images), "points", len(model.Points), "images", len(p.images))

	if st, err := p.maybeRefine(ctx); err != nil {
		p.log.Error("refinement failed, keeping initial model", "error", err)
	} else if st {
		if refined, err := sparse.Read(p.paths.ModelDir); err == nil {
			p.model = refined
		} else {
			p.log.Warn("refined model unreadable, keeping initial model", "error", err)
		}
	}
	return StatusCompleted, nil
}

// maybeRefine runs the bundle refinement engine when the scene qualifies:
// refinement enabled, scene small enough, and either no images were rotated
// or the rotation wrapper keeps poses consistent with the rotated inputs.
func (p *Pipeline) maybeRefine(ctx context.Context) (bool, error) {
	ref := p.cfg.Refinement
	if !ref.Enabled || p.engines.Refiner == nil {
		return false, nil
	}
	if len(p.images) > ref.MaxImages {
		p.log.Info("skipping refinement, scene too large", "images", len(p.images), "max", ref.MaxImages)
		return false, nil
	}
	if p.numRotated > 0 && !p.cfg.Rotation.Wrapper {
		p.log.Info("skipping refinement, rotated images without rotation wrapper")
		return false, nil
	}
	timeout := time.Duration(ref.TimeoutSeconds) * time.Second
	res, err := p.engines.Refiner.Refine(ctx, tasks.RefineRequest{
		ModelDir:     p.paths.ModelDir,
		ImageDir:     p.reconstructImageDir(),
		PairsPath:    p.paths.PairsPath,
		FeaturesPath: p.finalFeaturesPath(),
		MatchesPath:  p.paths.MatchesPath,
		CacheDir:     p.paths.CacheDir,
		Variant:      ref.Variant,
		Timeout:      timeout,
	})
	if err != nil {
		return false, err
	}
	p.log.Info("refinement done", "variant", ref.Variant, "duration", res.Duration)
	return true, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Slug reduces a scene path to an identifier-friendly form for run IDs.
func Slug(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	for len(out) > 0 && out[0] == '-' {
		out = out[1:]
	}
	if len(out) == 0 {
		return "scene"
	}
	return string(out)
}
