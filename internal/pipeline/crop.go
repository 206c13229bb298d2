package pipeline

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"parallax/internal/fsutil"
	"parallax/internal/storage"
)

// cropRecord ties one generated crop pair back to its source pair. Offsets
// are the top-left corners of the crop rectangles in source-image pixels.
type cropRecord struct {
	A, B         string // source images
	CropA, CropB string // generated crop images
	OffA, OffB   [2]float64
}

// runAugmentCrops re-matches zoomed-in crops of each pair's shared region
// and folds the resulting correspondences back into the primary containers.
// Crops are cut from the images extraction ran on, so crop keypoints live
// in the same coordinate space as the primary keypoints.
func (p *Pipeline) runAugmentCrops(ctx context.Context) (StageStatus, error) {
	if !p.cfg.Cropping.Enabled {
		return StatusDisabled, nil
	}
	if !p.cfg.Overwrite && fsutil.Exists(p.paths.CropMergedMarker) {
		return StatusCached, nil
	}

	features, err := storage.OpenFeatures(p.workFeaturesPath())
	if err != nil {
		return StatusFailed, err
	}
	matches, err := storage.OpenMatches(p.paths.MatchesPath)
	if err != nil {
		features.Close()
		return StatusFailed, err
	}

	records, err := p.computeCrops(features, matches)
	features.Close()
	matches.Close()
	if err != nil {
		return StatusFailed, err
	}
	if len(records) == 0 {
		p.log.Info("no pair qualified for crop augmentation")
		if err := fsutil.WriteFileAtomic(p.paths.CropMergedMarker, []byte("crops 0\n")); err != nil {
			return StatusFailed, err
		}
		return StatusCompleted, nil
	}
	p.log.Info("crop regions computed", "pairs", len(records))

	if err := p.matchCrops(ctx, records); err != nil {
		return StatusFailed, err
	}
	added, err := p.mergeCrops(records)
	if err != nil {
		return StatusFailed, err
	}
	p.log.Info("crop matches merged", "pairs", len(records), "matches_added", added)
	marker := fmt.Sprintf("crops %d\nmatches %d\n", len(records), added)
	if err := fsutil.WriteFileAtomic(p.paths.CropMergedMarker, []byte(marker)); err != nil {
		return StatusFailed, err
	}
	return StatusCompleted, nil
}

// computeCrops walks every matched pair, derives the high-confidence
// bounding boxes and writes the qualifying crop images. Rejections are
// silent per-pair skips.
func (p *Pipeline) computeCrops(features *storage.FeatureStore, matches *storage.MatchStore) ([]cropRecord, error) {
	pairs, err := matches.Pairs()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.paths.CroppedImageDir, 0o755); err != nil {
		return nil, err
	}

	crop := p.cfg.Cropping
	srcDir := p.extractImageDir()
	var records []cropRecord
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		ms, err := matches.Matches(a, b)
		if err != nil {
			return nil, err
		}
		if len(ms) < crop.MinMatches {
			continue
		}

		scores := make([]float64, len(ms))
		for i, m := range ms {
			scores[i] = m.Score
		}
		sort.Float64s(scores)
		threshold := stat.Quantile(crop.ScoreQuantile, stat.Empirical, scores, nil)

		kpsA, err := features.Keypoints(a)
		if err != nil {
			return nil, err
		}
		kpsB, err := features.Keypoints(b)
		if err != nil {
			return nil, err
		}

		var boxA, boxB intBox
		kept := 0
		for _, m := range ms {
			if m.Score < threshold {
				continue
			}
			if m.I >= len(kpsA) || m.J >= len(kpsB) {
				continue
			}
			boxA.add(int(kpsA[m.I].X), int(kpsA[m.I].Y))
			boxB.add(int(kpsB[m.J].X), int(kpsB[m.J].Y))
			kept++
		}
		if kept == 0 {
			continue
		}

		wA, hA, err := p.engines.ImageOps.Dimensions(filepath.Join(srcDir, a))
		if err != nil {
			return nil, fmt.Errorf("dimensions of %s: %w", a, err)
		}
		wB, hB, err := p.engines.ImageOps.Dimensions(filepath.Join(srcDir, b))
		if err != nil {
			return nil, fmt.Errorf("dimensions of %s: %w", b, err)
		}
		rectA := boxA.clamped(wA, hA)
		rectB := boxB.clamped(wB, hB)
		relA := relSize(rectA, wA, hA)
		relB := relSize(rectB, wB, hB)

		// A near-empty crop is unreliable; two near-full crops add nothing.
		if relA <= crop.MinRelCropSize || relB <= crop.MinRelCropSize {
			continue
		}
		if relA >= crop.MaxRelCropSize && relB >= crop.MaxRelCropSize {
			continue
		}

		// Crop names carry both pair members: the same image is cropped
		// differently for every pair it appears in.
		cropA := cropName(a, b, "a", a)
		cropB := cropName(a, b, "b", b)
		if err := p.engines.ImageOps.CropFile(filepath.Join(srcDir, a), filepath.Join(p.paths.CroppedImageDir, cropA), rectA); err != nil {
			return nil, fmt.Errorf("cropping %s: %w", a, err)
		}
		if err := p.engines.ImageOps.CropFile(filepath.Join(srcDir, b), filepath.Join(p.paths.CroppedImageDir, cropB), rectB); err != nil {
			return nil, fmt.Errorf("cropping %s: %w", b, err)
		}
		records = append(records, cropRecord{
			A: a, B: b,
			CropA: cropA, CropB: cropB,
			OffA: [2]float64{float64(rectA.Min.X), float64(rectA.Min.Y)},
			OffB: [2]float64{float64(rectB.Min.X), float64(rectB.Min.Y)},
		})
	}
	return records, nil
}

// matchCrops runs extraction and matching over all generated crops in one
// batch, producing the crop-local containers.
func (p *Pipeline) matchCrops(ctx context.Context, records []cropRecord) error {
	names := make([]string, 0, 2*len(records))
	pairs := make([][2]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.CropA, r.CropB)
		pairs = append(pairs, [2]string{r.CropA, r.CropB})
	}
	sort.Strings(names)
	if err := fsutil.WritePairs(p.paths.CroppedPairsPath, pairs); err != nil {
		return err
	}

	err := p.buildFeatures(p.paths.CroppedFeaturesPath, func(store *storage.FeatureStore) error {
		return p.engines.Extractor.Extract(ctx, p.cfg.Features[0], p.paths.CroppedImageDir, names, store)
	})
	if err != nil {
		return fmt.Errorf("crop extraction: %w", err)
	}
	cropFeatures, err := storage.OpenFeatures(p.paths.CroppedFeaturesPath)
	if err != nil {
		return err
	}
	defer cropFeatures.Close()
	err = p.buildMatches(p.paths.CroppedMatchesPath, func(store *storage.MatchStore) error {
		return p.engines.Matcher.Match(ctx, p.cfg.Matching[0], pairs, cropFeatures, store)
	})
	if err != nil {
		return fmt.Errorf("crop matching: %w", err)
	}
	return nil
}

// mergeCrops translates crop-local keypoints back into source-image
// coordinates and appends them, renumbering the crop match indices by each
// image's prior keypoint count. Matches that duplicate an existing
// correspondence (same integer endpoint coordinates) are dropped. The
// primary containers are rewritten through temp copies so an interrupted
// merge cannot corrupt the checkpoint.
func (p *Pipeline) mergeCrops(records []cropRecord) (int, error) {
	cropFeatures, err := storage.OpenFeatures(p.paths.CroppedFeaturesPath)
	if err != nil {
		return 0, err
	}
	defer cropFeatures.Close()
	cropMatches, err := storage.OpenMatches(p.paths.CroppedMatchesPath)
	if err != nil {
		return 0, err
	}
	defer cropMatches.Close()

	fTmp := p.workFeaturesPath() + ".merge"
	mTmp := p.paths.MatchesPath + ".merge"
	if err := fsutil.CopyFile(p.workFeaturesPath(), fTmp); err != nil {
		return 0, err
	}
	if err := fsutil.CopyFile(p.paths.MatchesPath, mTmp); err != nil {
		return 0, err
	}
	features, err := storage.OpenFeatures(fTmp)
	if err != nil {
		return 0, err
	}
	matches, err := storage.OpenMatches(mTmp)
	if err != nil {
		features.Close()
		return 0, err
	}

	added, err := mergeCropRecords(records, cropFeatures, cropMatches, features, matches)
	features.Close()
	matches.Close()
	if err != nil {
		_ = os.Remove(fTmp)
		_ = os.Remove(mTmp)
		return 0, err
	}
	if err := os.Rename(fTmp, p.workFeaturesPath()); err != nil {
		return 0, err
	}
	if err := os.Rename(mTmp, p.paths.MatchesPath); err != nil {
		return 0, err
	}
	return added, nil
}

func mergeCropRecords(records []cropRecord, cropFeatures *storage.FeatureStore, cropMatches *storage.MatchStore, features *storage.FeatureStore, matches *storage.MatchStore) (int, error) {
	total := 0
	for _, r := range records {
		cms, err := cropMatches.Matches(r.CropA, r.CropB)
		if err != nil {
			return 0, err
		}
		if len(cms) == 0 {
			continue
		}
		ckA, err := cropFeatures.Keypoints(r.CropA)
		if err != nil {
			return 0, err
		}
		ckB, err := cropFeatures.Keypoints(r.CropB)
		if err != nil {
			return 0, err
		}
		transA := translate(ckA, r.OffA)
		transB := translate(ckB, r.OffB)

		// Existing correspondences for the pair, by integer endpoint
		// coordinates, so re-discovered matches are not duplicated.
		kpsA, err := features.Keypoints(r.A)
		if err != nil {
			return 0, err
		}
		kpsB, err := features.Keypoints(r.B)
		if err != nil {
			return 0, err
		}
		existing, err := matches.Matches(r.A, r.B)
		if err != nil {
			return 0, err
		}
		seen := make(map[[4]int]struct{}, len(existing))
		for _, m := range existing {
			if m.I >= len(kpsA) || m.J >= len(kpsB) {
				continue
			}
			seen[endpointKey(kpsA[m.I], kpsB[m.J])] = struct{}{}
		}

		fresh := make([]storage.Match, 0, len(cms))
		for _, m := range cms {
			if m.I >= len(transA) || m.J >= len(transB) {
				continue
			}
			key := endpointKey(transA[m.I], transB[m.J])
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			fresh = append(fresh, m)
		}
		if len(fresh) == 0 {
			continue
		}

		baseA, err := features.AppendKeypoints(r.A, transA)
		if err != nil {
			return 0, err
		}
		baseB, err := features.AppendKeypoints(r.B, transB)
		if err != nil {
			return 0, err
		}
		shifted := make([]storage.Match, len(fresh))
		for i, m := range fresh {
			shifted[i] = storage.Match{I: baseA + m.I, J: baseB + m.J, Score: m.Score}
		}
		if err := matches.AppendMatches(r.A, r.B, shifted); err != nil {
			return 0, err
		}
		total += len(shifted)
	}
	return total, nil
}

func translate(kps []storage.Keypoint, off [2]float64) []storage.Keypoint {
	out := make([]storage.Keypoint, len(kps))
	for i, k := range kps {
		out[i] = storage.Keypoint{X: k.X + off[0], Y: k.Y + off[1]}
	}
	return out
}

func endpointKey(a, b storage.Keypoint) [4]int {
	return [4]int{int(a.X), int(a.Y), int(b.X), int(b.Y)}
}

// intBox accumulates an integer bounding box over keypoint coordinates.
type intBox struct {
	set                    bool
	minX, minY, maxX, maxY int
}

func (b *intBox) add(x, y int) {
	if !b.set {
		b.minX, b.maxX = x, x
		b.minY, b.maxY = y, y
		b.set = true
		return
	}
	if x < b.minX {
		b.minX = x
	}
	if x > b.maxX {
		b.maxX = x
	}
	if y < b.minY {
		b.minY = y
	}
	if y > b.maxY {
		b.maxY = y
	}
}

// clamped converts the box to a half-open rectangle (max is exclusive, so
// +1 past the last covered pixel) clipped to the image bounds.
func (b *intBox) clamped(w, h int) image.Rectangle {
	r := image.Rect(b.minX, b.minY, b.maxX+1, b.maxY+1)
	return r.Intersect(image.Rect(0, 0, w, h))
}

func relSize(r image.Rectangle, w, h int) float64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	return float64(r.Dx()*r.Dy()) / float64(w*h)
}

func cropName(a, b, member, src string) string {
	ext := filepath.Ext(src)
	return fmt.Sprintf("%s__%s__%s%s", stem(a), stem(b), member, ext)
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
