package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigPath = "~/.config/parallax/config.json"

// Config holds user-editable settings for the matching pipeline.
type Config struct {
	Logging        Logging         `json:"logging"`
	Paths          Paths           `json:"paths"`
	Features       []EngineConfig  `json:"features"`
	Matching       []EngineConfig  `json:"matching"`
	Retrieval      Retrieval       `json:"retrieval"`
	Rotation       Rotation        `json:"rotation"`
	Cropping       Cropping        `json:"cropping"`
	Refinement     Refinement      `json:"refinement"`
	Reconstruction Reconstruction  `json:"reconstruction"`
	Tools          ToolPreferences `json:"tools"`
	Overwrite      bool            `json:"overwrite"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Paths configures default locations outside any single scene.
type Paths struct {
	ScenesRoot    string `json:"scenes_root"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// EngineConfig identifies one external extraction or matching engine
// invocation. Name doubles as the per-configuration store suffix in
// ensemble mode.
type EngineConfig struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Retrieval configures pair selection. Scenes with fewer images than
// Threshold use exhaustive pairing; larger scenes rank pairs by global
// descriptor similarity and keep the TopK neighbors per image.
type Retrieval struct {
	Threshold int      `json:"threshold"`
	TopK      int      `json:"top_k"`
	Command   string   `json:"command"`
	Args      []string `json:"args"`
}

// Rotation toggles the two orientation-normalization mechanisms. Matching
// rewrites keypoints back to original orientation before reconstruction;
// Wrapper reconstructs on the rotated images and back-rotates camera poses
// afterwards.
type Rotation struct {
	Matching bool     `json:"matching"`
	Wrapper  bool     `json:"wrapper"`
	Command  string   `json:"command"` // orientation detection tool
	Args     []string `json:"args"`
}

// Cropping configures crop-based match augmentation.
type Cropping struct {
	Enabled        bool    `json:"enabled"`
	MinRelCropSize float64 `json:"min_rel_crop_size"`
	MaxRelCropSize float64 `json:"max_rel_crop_size"`
	MinMatches     int     `json:"min_matches"`
	ScoreQuantile  float64 `json:"score_quantile"`
}

// Refinement configures the out-of-process bundle refinement engine.
type Refinement struct {
	Enabled        bool     `json:"enabled"`
	MaxImages      int      `json:"max_images"`
	Variant        string   `json:"variant"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
}

// Reconstruction configures the sparse reconstruction engine.
type Reconstruction struct {
	Command      string   `json:"command"`
	Args         []string `json:"args"`
	SharedCamera bool     `json:"shared_camera"`
}

// ToolPreferences defines which image-ops backend to use, with fallbacks.
type ToolPreferences struct {
	ImageOps ImageOpsConfig `json:"image_ops"`
}

type ImageOpsConfig struct {
	Preferred string   `json:"preferred"` // "imagemagick", "native"
	Fallbacks []string `json:"fallbacks"`
}

// IsEnsemble reports whether two feature/matching configurations are active.
func (c *Config) IsEnsemble() bool {
	return len(c.Features) == 2
}

// Validate checks configuration invariants. It must be called before any
// stage executes: an invalid ensemble arity is a fatal configuration error,
// never a stage failure.
func (c *Config) Validate() error {
	if len(c.Features) == 0 {
		return fmt.Errorf("config: at least one feature configuration is required")
	}
	if len(c.Features) > 2 {
		return fmt.Errorf("config: at most two feature configurations are supported, got %d", len(c.Features))
	}
	if len(c.Features) != len(c.Matching) {
		return fmt.Errorf("config: feature and matching configuration counts must be equal, got %d and %d",
			len(c.Features), len(c.Matching))
	}
	if c.Rotation.Matching && c.Rotation.Wrapper {
		// The two orientation modes are alternatives: matching rewrites
		// keypoints back to original space, the wrapper reconstructs on the
		// rotated images. Combined, reconstruction would pair original-space
		// keypoints with rotated images.
		return fmt.Errorf("config: rotation.matching and rotation.wrapper are mutually exclusive")
	}
	if c.Cropping.Enabled {
		if c.Cropping.MinRelCropSize <= 0 || c.Cropping.MinRelCropSize >= 1 {
			return fmt.Errorf("config: min_rel_crop_size must be in (0,1), got %v", c.Cropping.MinRelCropSize)
		}
		if c.Cropping.MaxRelCropSize <= c.Cropping.MinRelCropSize || c.Cropping.MaxRelCropSize > 1 {
			return fmt.Errorf("config: max_rel_crop_size must be in (min_rel_crop_size,1], got %v", c.Cropping.MaxRelCropSize)
		}
	}
	for i, f := range c.Features {
		if f.Name == "" {
			return fmt.Errorf("config: features[%d] has no name", i)
		}
	}
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("PARALLAX_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPath returns the path Load consults when PARALLAX_CONFIG is not
// set, with the home directory expanded.
func DefaultPath() (string, error) {
	return expandUser(defaultConfigPath)
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			ScenesRoot:    ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "parallax.db"),
		},
		Features: []EngineConfig{
			{Name: "keypoints", Command: "feature-extract"},
		},
		Matching: []EngineConfig{
			{Name: "nn", Command: "feature-match"},
		},
		Retrieval: Retrieval{
			Threshold: 50,
			TopK:      20,
			Command:   "global-extract",
		},
		Rotation: Rotation{
			Command: "orient-detect",
		},
		Cropping: Cropping{
			MinRelCropSize: 0.1,
			MaxRelCropSize: 0.75,
			MinMatches:     100,
			ScoreQuantile:  0.2,
		},
		Refinement: Refinement{
			MaxImages:      9999,
			Variant:        "low_memory",
			TimeoutSeconds: 3600,
			Command:        "bundle-refine",
		},
		Reconstruction: Reconstruction{
			Command: "sparse-map",
		},
		Tools: ToolPreferences{
			ImageOps: ImageOpsConfig{
				Preferred: "imagemagick",
				Fallbacks: []string{"native"},
			},
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
