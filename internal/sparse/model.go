// Package sparse reads and writes the reconstruction engine's persisted
// model layout: cameras.txt, images.txt and points3D.txt inside a model
// directory. Lines starting with '#' are comments.
package sparse

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"parallax/internal/fsutil"
)

// ErrCorrupt marks a persisted model that exists but cannot be parsed.
// Resuming callers treat it as "no model", not as a fatal error.
var ErrCorrupt = errors.New("corrupt sparse model")

// Camera is an intrinsic calibration shared by one or more images.
type Camera struct {
	ID     int
	Model  string
	Width  int
	Height int
	Params []float64
}

// Image is one registered camera pose. Qvec is (w, x, y, z); the pose maps
// world points into the camera frame.
type Image struct {
	ID       int
	Qvec     [4]float64
	Tvec     [3]float64
	CameraID int
	Name     string
}

// Point is one reconstructed 3D point.
type Point struct {
	ID    int
	XYZ   [3]float64
	RGB   [3]uint8
	Error float64
}

// Model is a sparse reconstruction: registered poses plus 3D points.
type Model struct {
	Cameras map[int]Camera
	Images  map[int]Image
	Points  map[int]Point
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		Cameras: make(map[int]Camera),
		Images:  make(map[int]Image),
		Points:  make(map[int]Point),
	}
}

// RegisteredNames returns the names of all registered images, sorted.
func (m *Model) RegisteredNames() []string {
	names := make([]string, 0, len(m.Images))
	for _, im := range m.Images {
		names = append(names, im.Name)
	}
	sort.Strings(names)
	return names
}

// Read loads a model from dir.
func Read(dir string) (*Model, error) {
	m := NewModel()
	if err := m.readCameras(filepath.Join(dir, "cameras.txt")); err != nil {
		return nil, err
	}
	if err := m.readImages(filepath.Join(dir, "images.txt")); err != nil {
		return nil, err
	}
	if err := m.readPoints(filepath.Join(dir, "points3D.txt")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) readCameras(path string) error {
	lines, err := dataLines(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return fmt.Errorf("%w: camera line %q", ErrCorrupt, line)
		}
		var c Camera
		if c.ID, err = strconv.Atoi(fields[0]); err != nil {
			return fmt.Errorf("%w: camera id %q", ErrCorrupt, fields[0])
		}
		c.Model = fields[1]
		if c.Width, err = strconv.Atoi(fields[2]); err != nil {
			return fmt.Errorf("%w: camera width %q", ErrCorrupt, fields[2])
		}
		if c.Height, err = strconv.Atoi(fields[3]); err != nil {
			return fmt.Errorf("%w: camera height %q", ErrCorrupt, fields[3])
		}
		for _, f := range fields[4:] {
			p, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("%w: camera param %q", ErrCorrupt, f)
			}
			c.Params = append(c.Params, p)
		}
		m.Cameras[c.ID] = c
	}
	return nil
}

func (m *Model) readImages(path string) error {
	lines, err := dataLines(path)
	if err != nil {
		return err
	}
	// Image entries alternate: a pose line, then a 2D-point line that this
	// layer never consumes.
	for i := 0; i < len(lines); i += 2 {
		fields := strings.Fields(lines[i])
		if len(fields) < 10 {
			return fmt.Errorf("%w: image line %q", ErrCorrupt, lines[i])
		}
		var im Image
		if im.ID, err = strconv.Atoi(fields[0]); err != nil {
			return fmt.Errorf("%w: image id %q", ErrCorrupt, fields[0])
		}
		vals := make([]float64, 7)
		for j := 0; j < 7; j++ {
			if vals[j], err = strconv.ParseFloat(fields[1+j], 64); err != nil {
				return fmt.Errorf("%w: image pose field %q", ErrCorrupt, fields[1+j])
			}
		}
		copy(im.Qvec[:], vals[:4])
		copy(im.Tvec[:], vals[4:])
		if im.CameraID, err = strconv.Atoi(fields[8]); err != nil {
			return fmt.Errorf("%w: image camera id %q", ErrCorrupt, fields[8])
		}
		im.Name = fields[9]
		m.Images[im.ID] = im
	}
	return nil
}

func (m *Model) readPoints(path string) error {
	lines, err := dataLines(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return fmt.Errorf("%w: point line %q", ErrCorrupt, line)
		}
		var p Point
		if p.ID, err = strconv.Atoi(fields[0]); err != nil {
			return fmt.Errorf("%w: point id %q", ErrCorrupt, fields[0])
		}
		for j := 0; j < 3; j++ {
			if p.XYZ[j], err = strconv.ParseFloat(fields[1+j], 64); err != nil {
				return fmt.Errorf("%w: point coordinate %q", ErrCorrupt, fields[1+j])
			}
		}
		for j := 0; j < 3; j++ {
			v, err := strconv.Atoi(fields[4+j])
			if err != nil || v < 0 || v > 255 {
				return fmt.Errorf("%w: point color %q", ErrCorrupt, fields[4+j])
			}
			p.RGB[j] = uint8(v)
		}
		if p.Error, err = strconv.ParseFloat(fields[7], 64); err != nil {
			return fmt.Errorf("%w: point error %q", ErrCorrupt, fields[7])
		}
		m.Points[p.ID] = p
	}
	return nil
}

// Write persists the model to dir. Each file is written atomically so a
// crash mid-write cannot leave a half-written model for a resumed run.
func (m *Model) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# Camera list: CAMERA_ID MODEL WIDTH HEIGHT PARAMS[]\n")
	for _, id := range sortedKeys(m.Cameras) {
		c := m.Cameras[id]
		fmt.Fprintf(&b, "%d %s %d %d", c.ID, c.Model, c.Width, c.Height)
		for _, p := range c.Params {
			fmt.Fprintf(&b, " %g", p)
		}
		b.WriteByte('\n')
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, "cameras.txt"), []byte(b.String())); err != nil {
		return err
	}

	b.Reset()
	b.WriteString("# Image list: IMAGE_ID QW QX QY QZ TX TY TZ CAMERA_ID NAME\n")
	for _, id := range sortedKeys(m.Images) {
		im := m.Images[id]
		fmt.Fprintf(&b, "%d %g %g %g %g %g %g %g %d %s\n",
			im.ID, im.Qvec[0], im.Qvec[1], im.Qvec[2], im.Qvec[3],
			im.Tvec[0], im.Tvec[1], im.Tvec[2], im.CameraID, im.Name)
		b.WriteByte('\n') // empty 2D-point line
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, "images.txt"), []byte(b.String())); err != nil {
		return err
	}

	b.Reset()
	b.WriteString("# 3D point list: POINT3D_ID X Y Z R G B ERROR\n")
	for _, id := range sortedKeys(m.Points) {
		p := m.Points[id]
		fmt.Fprintf(&b, "%d %g %g %g %d %d %d %g\n",
			p.ID, p.XYZ[0], p.XYZ[1], p.XYZ[2], p.RGB[0], p.RGB[1], p.RGB[2], p.Error)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "points3D.txt"), []byte(b.String()))
}

func dataLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			// Blank lines inside images.txt separate pose lines from their
			// (possibly empty) 2D-point lines; preserve the alternation.
			if line == "" && strings.HasSuffix(path, "images.txt") && len(lines)%2 == 1 {
				lines = append(lines, "")
			}
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
