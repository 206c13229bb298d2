package tasks

import (
	"fmt"
	"image"
	"os/exec"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"parallax/internal/geom"
)

var imagickInit sync.Once

// magickOps is the ImageMagick-backed image ops backend. It is preferred
// for scenes with formats the native decoders cannot handle.
type magickOps struct{}

func (m *magickOps) Name() string { return "imagemagick" }

func (m *magickOps) Available() bool {
	// The binding links against the MagickWand library; the convert binary
	// is the cheapest proxy for a usable installation.
	_, err := exec.LookPath("convert")
	return err == nil
}

func (m *magickOps) Dimensions(path string) (int, int, error) {
	mw, err := m.read(path)
	if err != nil {
		return 0, 0, err
	}
	defer mw.Destroy()
	return int(mw.GetImageWidth()), int(mw.GetImageHeight()), nil
}

func (m *magickOps) CropFile(src, dst string, r image.Rectangle) error {
	mw, err := m.read(src)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	if err := mw.CropImage(uint(r.Dx()), uint(r.Dy()), r.Min.X, r.Min.Y); err != nil {
		return fmt.Errorf("crop %s: %w", src, err)
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func (m *magickOps) RotateFile(src, dst string, angle int) error {
	if !geom.ValidAngle(angle) {
		return fmt.Errorf("unsupported rotation angle %d", angle)
	}
	mw, err := m.read(src)
	if err != nil {
		return err
	}
	defer mw.Destroy()

	if angle != geom.Angle0 {
		bg := imagick.NewPixelWand()
		defer bg.Destroy()
		bg.SetColor("black")
		// RotateImage rotates clockwise, matching pipeline angle semantics.
		if err := mw.RotateImage(bg, float64(angle)); err != nil {
			return fmt.Errorf("rotate %s: %w", src, err)
		}
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func (m *magickOps) read(path string) (*imagick.MagickWand, error) {
	imagickInit.Do(imagick.Initialize)
	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(path); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return mw, nil
}
