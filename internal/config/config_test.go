package config

import (
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateEnsembleArityMismatch(t *testing.T) {
	cfg := Default()
	cfg.Features = []EngineConfig{{Name: "a", Command: "x"}}
	cfg.Matching = []EngineConfig{{Name: "m1", Command: "y"}, {Name: "m2", Command: "y"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected arity mismatch to fail validation")
	}
	if !strings.Contains(err.Error(), "counts must be equal") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTooManyFeatureConfigs(t *testing.T) {
	cfg := Default()
	cfg.Features = []EngineConfig{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	cfg.Matching = cfg.Features
	if cfg.Validate() == nil {
		t.Fatal("expected three feature configs to fail validation")
	}
}

func TestValidateNoFeatureConfigs(t *testing.T) {
	cfg := Default()
	cfg.Features = nil
	cfg.Matching = nil
	if cfg.Validate() == nil {
		t.Fatal("expected empty feature configs to fail validation")
	}
}

func TestValidateRejectsCombinedRotationModes(t *testing.T) {
	cfg := Default()
	cfg.Rotation.Matching = true
	cfg.Rotation.Wrapper = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected combined rotation modes to fail validation")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Rotation.Wrapper = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("matching-only rotation should validate, got %v", err)
	}
	cfg.Rotation.Matching = false
	cfg.Rotation.Wrapper = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("wrapper-only rotation should validate, got %v", err)
	}
}

func TestValidateCropThresholds(t *testing.T) {
	cfg := Default()
	cfg.Cropping.Enabled = true
	cfg.Cropping.MinRelCropSize = 0.8
	cfg.Cropping.MaxRelCropSize = 0.5
	if cfg.Validate() == nil {
		t.Fatal("expected inverted crop thresholds to fail validation")
	}
}

func TestIsEnsemble(t *testing.T) {
	cfg := Default()
	if cfg.IsEnsemble() {
		t.Fatal("single config must not report ensemble")
	}
	cfg.Features = append(cfg.Features, EngineConfig{Name: "second", Command: "x"})
	cfg.Matching = append(cfg.Matching, EngineConfig{Name: "second", Command: "y"})
	if !cfg.IsEnsemble() {
		t.Fatal("two configs must report ensemble")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("two-config ensemble should validate, got %v", err)
	}
}
