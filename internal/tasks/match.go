package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"parallax/internal/config"
	"parallax/internal/storage"
)

// CommandMatcher invokes an external feature matching tool.
//
// Wire contract: the tool is run as
//
//	<command> [args...] --pairs <file> --features <container> --output <file>
//
// and the output file receives a JSON object mapping pair key "A/B" to
// {"matches": [[i, j], ...], "scores": [...]} with parallel arrays. Indices
// reference the keypoint sequences inside the feature container.
type CommandMatcher struct {
	Log *slog.Logger
}

type matcherOutput struct {
	Matches [][2]int  `json:"matches"`
	Scores  []float64 `json:"scores"`
}

func (m *CommandMatcher) Match(ctx context.Context, cfg config.EngineConfig, pairs [][2]string, features *storage.FeatureStore, store *storage.MatchStore) error {
	pairsFile, err := tempPairsFile(pairs)
	if err != nil {
		return err
	}
	defer os.Remove(pairsFile)

	outFile := pairsFile + ".out"
	defer os.Remove(outFile)

	args := append([]string{}, cfg.Args...)
	args = append(args, "--pairs", pairsFile, "--features", features.Path(), "--output", outFile)

	res, err := runTool(ctx, cfg.Command, args...)
	if err != nil {
		m.Log.Error("matching tool failed",
			"tool", cfg.Command, "exit_code", res.ExitCode, "output", strings.TrimSpace(string(res.Output)))
		return err
	}

	raw, err := os.ReadFile(outFile)
	if err != nil {
		return err
	}
	var parsed map[string]matcherOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("matcher %s: malformed output: %w", cfg.Command, err)
	}

	for key, entry := range parsed {
		a, b, err := storage.SplitPairKey(key)
		if err != nil {
			return fmt.Errorf("matcher %s: %w", cfg.Command, err)
		}
		if len(entry.Matches) != len(entry.Scores) {
			return fmt.Errorf("matcher %s: pair %s has %d matches but %d scores",
				cfg.Command, key, len(entry.Matches), len(entry.Scores))
		}
		ms := make([]storage.Match, len(entry.Matches))
		for i, idx := range entry.Matches {
			ms[i] = storage.Match{I: idx[0], J: idx[1], Score: entry.Scores[i]}
		}
		if err := store.SetMatches(a, b, ms); err != nil {
			return err
		}
	}
	m.Log.Info("feature matching finished", "tool", cfg.Command, "pairs", len(parsed))
	return nil
}
