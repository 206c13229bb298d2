package sparse

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sampleModel() *Model {
	m := NewModel()
	m.Cameras[1] = Camera{ID: 1, Model: "SIMPLE_RADIAL", Width: 640, Height: 480, Params: []float64{500, 320, 240, 0.01}}
	m.Images[1] = Image{ID: 1, Qvec: [4]float64{1, 0, 0, 0}, Tvec: [3]float64{0.5, -1, 2}, CameraID: 1, Name: "a.jpg"}
	m.Images[2] = Image{ID: 2, Qvec: [4]float64{0.92, 0, 0.38, 0}, Tvec: [3]float64{1, 0, -3}, CameraID: 1, Name: "b.jpg"}
	m.Points[7] = Point{ID: 7, XYZ: [3]float64{1, 2, 3}, RGB: [3]uint8{10, 20, 30}, Error: 0.5}
	return m
}

func TestModelWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := sampleModel()
	if err := m.Write(dir); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Cameras) != 1 || len(got.Images) != 2 || len(got.Points) != 1 {
		t.Fatalf("unexpected counts: %d cameras, %d images, %d points",
			len(got.Cameras), len(got.Images), len(got.Points))
	}
	im := got.Images[2]
	if im.Name != "b.jpg" || im.Qvec != m.Images[2].Qvec || im.Tvec != m.Images[2].Tvec {
		t.Fatalf("image 2 mismatch: %+v", im)
	}
	cam := got.Cameras[1]
	if cam.Model != "SIMPLE_RADIAL" || len(cam.Params) != 4 {
		t.Fatalf("camera mismatch: %+v", cam)
	}
	p := got.Points[7]
	if p.RGB != [3]uint8{10, 20, 30} || p.Error != 0.5 {
		t.Fatalf("point mismatch: %+v", p)
	}
}

func TestRegisteredNamesSorted(t *testing.T) {
	m := sampleModel()
	names := m.RegisteredNames()
	if len(names) != 2 || names[0] != "a.jpg" || names[1] != "b.jpg" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestReadMissingDirIsCorrupt(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestReadMalformedImagesIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := sampleModel().Write(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "images.txt"),
		[]byte("1 not-a-number 0 0 0 0 0 0 1 a.jpg\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Read(dir)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
