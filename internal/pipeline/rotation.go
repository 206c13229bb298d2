package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"parallax/internal/fsutil"
	"parallax/internal/geom"
	"parallax/internal/storage"
)

// runNormalizeRotation rewrites keypoints detected on the upright-rotated
// copies back into original-orientation coordinates, producing the final
// feature container. The rotated container is the input; its rewritten copy
// at FeaturesPath is the checkpoint.
func (p *Pipeline) runNormalizeRotation(ctx context.Context) (StageStatus, error) {
	if !p.cfg.Rotation.Matching {
		return StatusDisabled, nil
	}
	if !p.cfg.Overwrite && fsutil.Exists(p.paths.FeaturesPath) {
		return StatusCached, nil
	}
	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}

	tmp := p.paths.FeaturesPath + ".tmp"
	_ = os.Remove(tmp)
	if err := fsutil.CopyFile(p.paths.RotatedFeaturesPath, tmp); err != nil {
		return StatusFailed, err
	}
	store, err := storage.OpenFeatures(tmp)
	if err != nil {
		return StatusFailed, err
	}

	rewritten := 0
	err = func() error {
		names, err := store.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			angle := p.angleFor(name)
			if angle == 0 {
				continue
			}
			// The back-rotation table is expressed in the rotated image's
			// dimensions, which are the ones extraction saw.
			w, h, err := p.engines.ImageOps.Dimensions(filepath.Join(p.paths.RotatedImageDir, name))
			if err != nil {
				return fmt.Errorf("dimensions of rotated %s: %w", name, err)
			}
			xMax, yMax := float64(w-1), float64(h-1)
			err = store.UpdateKeypoints(name, func(kps []storage.Keypoint) {
				for i := range kps {
					kps[i].X, kps[i].Y = geom.BackRotateKeypoint(angle, kps[i].X, kps[i].Y, xMax, yMax)
				}
			})
			if err != nil {
				return err
			}
			rewritten++
		}
		return nil
	}()
	store.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return StatusFailed, err
	}
	if err := os.Rename(tmp, p.paths.FeaturesPath); err != nil {
		return StatusFailed, err
	}
	p.log.Info("rotation normalization done", "images_rewritten", rewritten)
	return StatusCompleted, nil
}

// runBackRotatePoses corrects camera poses after reconstructing on rotated
// images: each registered pose is left-multiplied by the inverse of the
// rotation applied to its image. A missing model is a quiet no-op.
func (p *Pipeline) runBackRotatePoses(ctx context.Context) (StageStatus, error) {
	if !p.cfg.Rotation.Wrapper {
		return StatusDisabled, nil
	}
	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}
	if p.model == nil {
		p.log.Info("no sparse model, skipping pose back-rotation")
		return StatusCompleted, nil
	}

	corrected := 0
	for id, img := range p.model.Images {
		angle := p.angleFor(img.Name)
		if angle == 0 {
			continue
		}
		inv := geom.RotMatZ(float64(-angle))
		r := geom.QvecToRotMat(img.Qvec)
		img.Qvec = geom.RotMatToQvec(geom.MulMat(inv, r))
		img.Tvec = geom.MulVec(inv, img.Tvec)
		p.model.Images[id] = img
		corrected++
	}
	if err := p.model.Write(p.paths.ModelDir); err != nil {
		return StatusFailed, fmt.Errorf("writing corrected model: %w", err)
	}
	p.log.Info("camera poses back-rotated", "images_corrected", corrected)
	return StatusCompleted, nil
}
