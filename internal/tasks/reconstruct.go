package tasks

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"parallax/internal/config"
	"parallax/internal/sparse"
)

// CommandReconstructor invokes the external sparse reconstruction engine.
//
// Wire contract: the tool is run as
//
//	<command> [args...] --image-dir <dir> --image-list <file> --pairs <file>
//	          --features <container> --matches <container> --output <dir>
//	          [--shared-camera]
//
// and writes its model (cameras.txt, images.txt, points3D.txt) to the
// output directory, which is then loaded and returned.
type CommandReconstructor struct {
	Reconstruction config.Reconstruction
	Log            *slog.Logger
}

func (r *CommandReconstructor) Reconstruct(ctx context.Context, req ReconstructRequest) (*sparse.Model, error) {
	listFile, err := writeTempList(req.Images)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listFile)

	args := append([]string{}, r.Reconstruction.Args...)
	args = append(args,
		"--image-dir", req.ImageDir,
		"--image-list", listFile,
		"--pairs", req.PairsPath,
		"--features", req.FeaturesPath,
		"--matches", req.MatchesPath,
		"--output", req.ModelDir,
	)
	if req.SharedCamera {
		args = append(args, "--shared-camera")
	}

	res, err := runTool(ctx, r.Reconstruction.Command, args...)
	if err != nil {
		r.Log.Error("reconstruction engine failed",
			"tool", r.Reconstruction.Command,
			"exit_code", res.ExitCode,
			"output", strings.TrimSpace(string(res.Output)))
		return nil, err
	}
	r.Log.Info("reconstruction engine finished",
		"tool", r.Reconstruction.Command, "duration_ms", res.Duration.Milliseconds())

	return sparse.Read(req.ModelDir)
}
