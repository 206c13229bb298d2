package tasks

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"parallax/internal/config"
	"parallax/internal/fsutil"
	"parallax/internal/geom"
)

// CommandPreprocessor detects per-image orientation with an external tool
// and writes upright copies of the scene into the rotated directory.
//
// Wire contract: the tool is run as
//
//	<command> [args...] --image-dir <dir> --image-list <file>
//
// and prints one "name angle" line per image, angle in {0, 90, 180, 270}:
// the clockwise rotation that makes the image upright. A missing or
// unavailable tool is not an error; every image is then treated as already
// upright and copied through unchanged.
type CommandPreprocessor struct {
	Rotation config.Rotation
	Ops      ImageOps
	Log      *slog.Logger
}

func (p *CommandPreprocessor) Preprocess(ctx context.Context, req PreprocessRequest) (PreprocessResult, error) {
	angles, err := p.detectAngles(ctx, req)
	if err != nil {
		return PreprocessResult{}, err
	}

	if err := os.MkdirAll(req.RotatedDir, 0o755); err != nil {
		return PreprocessResult{}, err
	}

	sameShapes := true
	var refW, refH int
	for i, name := range req.Images {
		src := filepath.Join(req.InputDir, name)
		dst := filepath.Join(req.RotatedDir, name)

		angle := angles[name]
		if angle == geom.Angle0 {
			if err := fsutil.CopyFile(src, dst); err != nil {
				return PreprocessResult{}, err
			}
		} else {
			if err := p.Ops.RotateFile(src, dst, angle); err != nil {
				return PreprocessResult{}, err
			}
			p.Log.Debug("rotated image to upright", "image", name, "angle", angle)
		}

		w, h, err := p.Ops.Dimensions(src)
		if err != nil {
			return PreprocessResult{}, err
		}
		if i == 0 {
			refW, refH = w, h
		} else if w != refW || h != refH {
			sameShapes = false
		}
	}

	return PreprocessResult{Angles: angles, SameShapes: sameShapes}, nil
}

func (p *CommandPreprocessor) detectAngles(ctx context.Context, req PreprocessRequest) (map[string]int, error) {
	angles := make(map[string]int, len(req.Images))
	for _, name := range req.Images {
		angles[name] = geom.Angle0
	}

	if p.Rotation.Command == "" {
		return angles, nil
	}
	if _, err := exec.LookPath(p.Rotation.Command); err != nil {
		p.Log.Warn("orientation tool unavailable, assuming upright images",
			"tool", p.Rotation.Command)
		return angles, nil
	}

	listFile, err := writeTempList(req.Images)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listFile)

	args := append([]string{}, p.Rotation.Args...)
	args = append(args, "--image-dir", req.InputDir, "--image-list", listFile)
	res, err := runTool(ctx, p.Rotation.Command, args...)
	if err != nil {
		p.Log.Error("orientation tool failed",
			"tool", p.Rotation.Command, "exit_code", res.ExitCode,
			"output", strings.TrimSpace(string(res.Output)))
		return nil, err
	}

	sc := bufio.NewScanner(strings.NewReader(string(res.Output)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("orientation tool %s: malformed line %q", p.Rotation.Command, line)
		}
		angle, err := strconv.Atoi(fields[1])
		if err != nil || !geom.ValidAngle(angle) {
			return nil, fmt.Errorf("orientation tool %s: bad angle %q for %s", p.Rotation.Command, fields[1], fields[0])
		}
		if _, ok := angles[fields[0]]; !ok {
			continue // tool reported an image outside the scene
		}
		angles[fields[0]] = angle
	}
	return angles, sc.Err()
}
