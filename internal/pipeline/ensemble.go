package pipeline

import (
	"context"
	"fmt"

	"parallax/internal/fsutil"
	"parallax/internal/storage"
)

// runMergeEnsemble concatenates the two per-configuration containers into
// the primary feature and match containers. The second configuration's
// match indices are shifted by the first configuration's keypoint counts so
// they stay valid against the concatenated keypoint sequences.
func (p *Pipeline) runMergeEnsemble(ctx context.Context) (StageStatus, error) {
	if !p.cfg.IsEnsemble() {
		return StatusDisabled, nil
	}
	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}
	if !p.cfg.Overwrite && fsutil.Exists(p.workFeaturesPath()) && fsutil.Exists(p.paths.MatchesPath) {
		return StatusCached, nil
	}

	firstName := p.cfg.Features[0].Name
	secondName := p.cfg.Features[1].Name
	firstF, err := storage.OpenFeatures(p.paths.FeaturesPathFor(firstName))
	if err != nil {
		return StatusFailed, err
	}
	defer firstF.Close()
	secondF, err := storage.OpenFeatures(p.paths.FeaturesPathFor(secondName))
	if err != nil {
		return StatusFailed, err
	}
	defer secondF.Close()

	var offsets map[string]int
	err = p.buildFeatures(p.workFeaturesPath(), func(dst *storage.FeatureStore) error {
		var err error
		offsets, err = storage.ConcatFeatures(dst, firstF, secondF)
		return err
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("merging features: %w", err)
	}

	firstM, err := storage.OpenMatches(p.paths.MatchesPathFor(firstName))
	if err != nil {
		return StatusFailed, err
	}
	defer firstM.Close()
	secondM, err := storage.OpenMatches(p.paths.MatchesPathFor(secondName))
	if err != nil {
		return StatusFailed, err
	}
	defer secondM.Close()

	var pairs [][2]string
	err = p.buildMatches(p.paths.MatchesPath, func(dst *storage.MatchStore) error {
		if err := storage.ConcatMatches(dst, firstM, secondM, offsets); err != nil {
			return err
		}
		var err error
		pairs, err = dst.Pairs()
		return err
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("merging matches: %w", err)
	}

	// The merged pair set is authoritative for the later stages.
	if err := fsutil.WritePairs(p.paths.PairsPath, pairs); err != nil {
		return StatusFailed, err
	}
	p.log.Info("ensemble merged", "first", firstName, "second", secondName, "pairs", len(pairs))
	return StatusCompleted, nil
}
