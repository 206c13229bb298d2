package pipeline

import (
	"fmt"
	"path/filepath"
)

// Paths lays out the persisted state of one scene: keyed binary containers
// for features and matches, plain-text pair lists, crop images and the
// sparse model directory. Existence of a stage's output file is the sole
// resumability mechanism, so every path here doubles as a checkpoint.
type Paths struct {
	SceneDir        string
	ImageDir        string // original images
	RotatedImageDir string
	CroppedImageDir string

	FeaturesPath        string // primary keypoints, original orientation space
	RotatedFeaturesPath string // primary keypoints, rotated orientation space
	MatchesPath         string
	RetrievalPath       string // global descriptors
	CroppedFeaturesPath string
	CroppedMatchesPath  string

	PairsPath        string
	CroppedPairsPath string
	CropMergedMarker string // written when crop augmentation fully merged

	ModelDir string
	CacheDir string
}

// NewPaths builds the on-disk layout for a scene directory whose original
// images live in imageDir.
func NewPaths(sceneDir, imageDir string) Paths {
	return Paths{
		SceneDir:        sceneDir,
		ImageDir:        imageDir,
		RotatedImageDir: filepath.Join(sceneDir, "rotated"),
		CroppedImageDir: filepath.Join(sceneDir, "crops", "images"),

		FeaturesPath:        filepath.Join(sceneDir, "features.db"),
		RotatedFeaturesPath: filepath.Join(sceneDir, "features_rotated.db"),
		MatchesPath:         filepath.Join(sceneDir, "matches.db"),
		RetrievalPath:       filepath.Join(sceneDir, "retrieval.db"),
		CroppedFeaturesPath: filepath.Join(sceneDir, "crops", "features.db"),
		CroppedMatchesPath:  filepath.Join(sceneDir, "crops", "matches.db"),

		PairsPath:        filepath.Join(sceneDir, "pairs.txt"),
		CroppedPairsPath: filepath.Join(sceneDir, "crops", "pairs.txt"),
		CropMergedMarker: filepath.Join(sceneDir, "crops", "merged.txt"),

		ModelDir: filepath.Join(sceneDir, "sparse"),
		CacheDir: filepath.Join(sceneDir, "cache"),
	}
}

// FeaturesPathFor returns the per-configuration feature container used in
// ensemble mode.
func (p Paths) FeaturesPathFor(name string) string {
	return filepath.Join(p.SceneDir, fmt.Sprintf("features_%s.db", name))
}

// MatchesPathFor returns the per-configuration match container used in
// ensemble mode.
func (p Paths) MatchesPathFor(name string) string {
	return filepath.Join(p.SceneDir, fmt.Sprintf("matches_%s.db", name))
}
