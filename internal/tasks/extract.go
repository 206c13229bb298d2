package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"parallax/internal/config"
	"parallax/internal/storage"
)

// CommandExtractor invokes an external feature extraction tool.
//
// Wire contract: the tool is run as
//
//	<command> [args...] --image-dir <dir> --image-list <file> --output <file>
//
// where the image list holds one image name per line, and the output file
// receives a JSON object mapping image name to an array of [x, y] keypoint
// coordinates. For global (retrieval) extraction the arrays are flat
// descriptor vectors instead.
type CommandExtractor struct {
	Log *slog.Logger
}

func (e *CommandExtractor) Extract(ctx context.Context, cfg config.EngineConfig, imageDir string, images []string, store *storage.FeatureStore) error {
	out, err := e.invoke(ctx, cfg.Command, cfg.Args, imageDir, images)
	if err != nil {
		return err
	}

	var parsed map[string][][2]float64
	if err := json.Unmarshal(out, &parsed); err != nil {
		return fmt.Errorf("extractor %s: malformed output: %w", cfg.Command, err)
	}
	for name, coords := range parsed {
		kps := make([]storage.Keypoint, len(coords))
		for i, c := range coords {
			kps[i] = storage.Keypoint{X: c[0], Y: c[1]}
		}
		if err := store.SetKeypoints(name, kps); err != nil {
			return err
		}
	}
	e.Log.Info("feature extraction finished", "tool", cfg.Command, "images", len(parsed))
	return nil
}

func (e *CommandExtractor) ExtractGlobal(ctx context.Context, cfg config.Retrieval, imageDir string, images []string, store *storage.FeatureStore) error {
	out, err := e.invoke(ctx, cfg.Command, cfg.Args, imageDir, images)
	if err != nil {
		return err
	}

	var parsed map[string][]float64
	if err := json.Unmarshal(out, &parsed); err != nil {
		return fmt.Errorf("retrieval extractor %s: malformed output: %w", cfg.Command, err)
	}
	for name, desc := range parsed {
		if err := store.SetDescriptor(name, desc); err != nil {
			return err
		}
	}
	e.Log.Info("retrieval extraction finished", "tool", cfg.Command, "images", len(parsed))
	return nil
}

func (e *CommandExtractor) invoke(ctx context.Context, command string, extraArgs []string, imageDir string, images []string) ([]byte, error) {
	listFile, err := writeTempList(images)
	if err != nil {
		return nil, err
	}
	defer os.Remove(listFile)

	outFile := listFile + ".out"
	defer os.Remove(outFile)

	args := append([]string{}, extraArgs...)
	args = append(args, "--image-dir", imageDir, "--image-list", listFile, "--output", outFile)

	res, err := runTool(ctx, command, args...)
	if err != nil {
		e.Log.Error("extraction tool failed",
			"tool", command, "exit_code", res.ExitCode, "output", strings.TrimSpace(string(res.Output)))
		return nil, err
	}
	return os.ReadFile(outFile)
}

func writeTempList(lines []string) (string, error) {
	f, err := os.CreateTemp("", "parallax-list-*.txt")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// tempPairsFile writes a pair list to a temp file for tool consumption.
func tempPairsFile(pairs [][2]string) (string, error) {
	lines := make([]string, len(pairs))
	for i, p := range pairs {
		lines[i] = p[0] + " " + p[1]
	}
	path, err := writeTempList(lines)
	if err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
