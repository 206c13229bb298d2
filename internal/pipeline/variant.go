package pipeline

import (
	"context"
	"fmt"
	"os"

	"parallax/internal/fsutil"
	"parallax/internal/storage"
)

// variant abstracts over the single-configuration and ensemble extraction
// and matching strategies. The ensemble variant fills one container per
// configuration; merge_ensemble concatenates them afterwards.
type variant interface {
	ExtractFeatures(ctx context.Context) (StageStatus, error)
	MatchFeatures(ctx context.Context) (StageStatus, error)
}

func (p *Pipeline) variant() variant {
	if p.cfg.IsEnsemble() {
		return &ensembleVariant{p}
	}
	return &singleVariant{p}
}

// buildFeatures fills a feature container at path, writing through a
// temporary file so an interrupted run never leaves a half-written
// container that a resume would mistake for a checkpoint.
func (p *Pipeline) buildFeatures(path string, fill func(*storage.FeatureStore) error) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	store, err := storage.OpenFeatures(tmp)
	if err != nil {
		return err
	}
	if err := fill(store); err != nil {
		store.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Pipeline) buildMatches(path string, fill func(*storage.MatchStore) error) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	store, err := storage.OpenMatches(tmp)
	if err != nil {
		return err
	}
	if err := fill(store); err != nil {
		store.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *Pipeline) loadPairs() ([][2]string, error) {
	return fsutil.ReadPairs(p.paths.PairsPath)
}

type singleVariant struct{ p *Pipeline }

func (v *singleVariant) ExtractFeatures(ctx context.Context) (StageStatus, error) {
	p := v.p
	if !p.cfg.Overwrite && fsutil.Exists(p.workFeaturesPath()) {
		return StatusCached, nil
	}
	cfg := p.cfg.Features[0]
	err := p.buildFeatures(p.workFeaturesPath(), func(store *storage.FeatureStore) error {
		return p.engines.Extractor.Extract(ctx, cfg, p.extractImageDir(), p.images, store)
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("extraction %s: %w", cfg.Name, err)
	}
	return StatusCompleted, nil
}

func (v *singleVariant) MatchFeatures(ctx context.Context) (StageStatus, error) {
	p := v.p
	if !p.cfg.Overwrite && fsutil.Exists(p.paths.MatchesPath) {
		return StatusCached, nil
	}
	pairs, err := p.loadPairs()
	if err != nil {
		return StatusFailed, err
	}
	features, err := storage.OpenFeatures(p.workFeaturesPath())
	if err != nil {
		return StatusFailed, err
	}
	defer features.Close()
	cfg := p.cfg.Matching[0]
	err = p.buildMatches(p.paths.MatchesPath, func(store *storage.MatchStore) error {
		return p.engines.Matcher.Match(ctx, cfg, pairs, features, store)
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("matching %s: %w", cfg.Name, err)
	}
	return StatusCompleted, nil
}

type ensembleVariant struct{ p *Pipeline }

func (v *ensembleVariant) ExtractFeatures(ctx context.Context) (StageStatus, error) {
	p := v.p
	done := 0
	for _, cfg := range p.cfg.Features {
		if fsutil.Exists(p.paths.FeaturesPathFor(cfg.Name)) {
			done++
		}
	}
	if !p.cfg.Overwrite && done == len(p.cfg.Features) {
		return StatusCached, nil
	}
	for _, cfg := range p.cfg.Features {
		path := p.paths.FeaturesPathFor(cfg.Name)
		if !p.cfg.Overwrite && fsutil.Exists(path) {
			continue
		}
		cfg := cfg
		err := p.buildFeatures(path, func(store *storage.FeatureStore) error {
			return p.engines.Extractor.Extract(ctx, cfg, p.extractImageDir(), p.images, store)
		})
		if err != nil {
			return StatusFailed, fmt.Errorf("extraction %s: %w", cfg.Name, err)
		}
	}
	return StatusCompleted, nil
}

func (v *ensembleVariant) MatchFeatures(ctx context.Context) (StageStatus, error) {
	p := v.p
	done := 0
	for _, cfg := range p.cfg.Features {
		if fsutil.Exists(p.paths.MatchesPathFor(cfg.Name)) {
			done++
		}
	}
	if !p.cfg.Overwrite && done == len(p.cfg.Features) {
		return StatusCached, nil
	}
	pairs, err := p.loadPairs()
	if err != nil {
		return StatusFailed, err
	}
	for i, mcfg := range p.cfg.Matching {
		fname := p.cfg.Features[i].Name
		path := p.paths.MatchesPathFor(fname)
		if !p.cfg.Overwrite && fsutil.Exists(path) {
			continue
		}
		features, err := storage.OpenFeatures(p.paths.FeaturesPathFor(fname))
		if err != nil {
			return StatusFailed, err
		}
		mcfg := mcfg
		err = p.buildMatches(path, func(store *storage.MatchStore) error {
			return p.engines.Matcher.Match(ctx, mcfg, pairs, features, store)
		})
		features.Close()
		if err != nil {
			return StatusFailed, fmt.Errorf("matching %s: %w", mcfg.Name, err)
		}
	}
	return StatusCompleted, nil
}
