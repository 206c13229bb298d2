package tasks

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"parallax/internal/config"
)

// CommandRefiner invokes the alternative heavyweight bundle refinement
// engine as a separate operating-system process. The engine's combined
// output is captured synchronously and logged only after it terminates;
// the invocation is bounded by the configured timeout so a wedged engine
// cannot hang the pipeline. The engine writes its refined model directly
// to the model directory; the caller re-reads it on success.
type CommandRefiner struct {
	Refinement config.Refinement
	Log        *slog.Logger
}

func (r *CommandRefiner) Refine(ctx context.Context, req RefineRequest) (ProcResult, error) {
	if req.CacheDir != "" {
		if err := os.MkdirAll(req.CacheDir, 0o755); err != nil {
			return ProcResult{}, err
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string{}, r.Refinement.Args...)
	args = append(args,
		"--model-dir", req.ModelDir,
		"--image-dir", req.ImageDir,
		"--pairs", req.PairsPath,
		"--features", req.FeaturesPath,
		"--matches", req.MatchesPath,
		"--cache-dir", req.CacheDir,
		"--variant", req.Variant,
	)

	r.Log.Info("running refinement engine (no output until it finishes)",
		"tool", r.Refinement.Command, "timeout", req.Timeout)

	res, err := runTool(ctx, r.Refinement.Command, args...)
	output := strings.TrimSpace(string(res.Output))
	if err != nil {
		r.Log.Error("refinement engine failed",
			"tool", r.Refinement.Command, "exit_code", res.ExitCode, "output", output)
		return res, err
	}
	if output != "" {
		r.Log.Info("refinement engine output", "output", output)
	}
	r.Log.Info("refinement engine finished",
		"tool", r.Refinement.Command, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}
