package tasks

import (
	"fmt"
	"image"
	"log/slog"
	"os"

	"github.com/disintegration/imaging"

	// Register decoders for dimension probing beyond what the standard
	// library covers.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"parallax/internal/config"
	"parallax/internal/geom"
)

// ImageOps is the file-based image manipulation surface the pipeline needs:
// dimension probing, rectangle cropping and clockwise rotation by right
// angles. Implementations operate file-to-file so large scenes never hold
// more than one decoded image at a time.
type ImageOps interface {
	Name() string
	Available() bool
	Dimensions(path string) (int, int, error)
	CropFile(src, dst string, r image.Rectangle) error
	RotateFile(src, dst string, angle int) error
}

// SelectImageOps picks the preferred available backend, falling back in
// configuration order. The pure-Go backend is always available, so
// selection cannot fail unless the config names only unknown backends.
func SelectImageOps(prefs config.ImageOpsConfig, log *slog.Logger) (ImageOps, error) {
	candidates := append([]string{prefs.Preferred}, prefs.Fallbacks...)
	for _, name := range candidates {
		var ops ImageOps
		switch name {
		case "imagemagick":
			ops = &magickOps{}
		case "native", "":
			ops = &nativeOps{}
		default:
			log.Warn("unknown image ops backend", "backend", name)
			continue
		}
		if ops.Available() {
			log.Debug("image ops backend selected", "backend", ops.Name())
			return ops, nil
		}
		log.Debug("image ops backend unavailable", "backend", ops.Name())
	}
	return nil, fmt.Errorf("no available image ops backend among %v", candidates)
}

// nativeOps is the pure-Go backend.
type nativeOps struct{}

func (n *nativeOps) Name() string { return "native" }

func (n *nativeOps) Available() bool { return true }

func (n *nativeOps) Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

func (n *nativeOps) CropFile(src, dst string, r image.Rectangle) error {
	img, err := imaging.Open(src)
	if err != nil {
		return err
	}
	return imaging.Save(imaging.Crop(img, r), dst)
}

func (n *nativeOps) RotateFile(src, dst string, angle int) error {
	if !geom.ValidAngle(angle) {
		return fmt.Errorf("unsupported rotation angle %d", angle)
	}
	img, err := imaging.Open(src)
	if err != nil {
		return err
	}
	// imaging rotates counter-clockwise; the pipeline's angles are
	// clockwise, matching the keypoint back-rotation transforms.
	switch angle {
	case geom.Angle90:
		img = imaging.Rotate270(img)
	case geom.Angle180:
		img = imaging.Rotate180(img)
	case geom.Angle270:
		img = imaging.Rotate90(img)
	}
	return imaging.Save(img, dst)
}
