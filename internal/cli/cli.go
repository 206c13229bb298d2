// Package cli wires the command-line surface to the pipeline: running
// scenes, watching a scenes root, serving the monitoring API and checking
// engine availability.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"log/slog"

	"parallax/internal/config"
	"parallax/internal/logging"
	"parallax/internal/pipeline"
	"parallax/internal/storage"
	"parallax/internal/tasks"
)

// Version is the release version reported by the version command.
const Version = "0.3.0"

// Root carries the shared dependencies of all commands. The engines factory
// is swappable so tests can run commands without external tools.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	enginesFn func() (pipeline.Engines, error)
}

// NewRoot builds a Root over the given configuration and logger. The store
// is optional.
func NewRoot(cfg *config.Config, log *slog.Logger, store *storage.Store) *Root {
	r := &Root{cfg: cfg, log: log, store: store}
	r.enginesFn = r.defaultEngines
	return r
}

func (r *Root) defaultEngines() (pipeline.Engines, error) {
	ops, err := tasks.SelectImageOps(r.cfg.Tools.ImageOps, r.log)
	if err != nil {
		return pipeline.Engines{}, err
	}
	return pipeline.Engines{
		Preprocessor:    &tasks.CommandPreprocessor{Rotation: r.cfg.Rotation, Ops: ops, Log: r.log},
		Extractor:       &tasks.CommandExtractor{Log: r.log},
		GlobalExtractor: &tasks.CommandExtractor{Log: r.log},
		Matcher:         &tasks.CommandMatcher{Log: r.log},
		Reconstructor:   &tasks.CommandReconstructor{Reconstruction: r.cfg.Reconstruction, Log: r.log},
		Refiner:         &tasks.CommandRefiner{Refinement: r.cfg.Refinement, Log: r.log},
		ImageOps:        ops,
	}, nil
}

// RunScene executes the full pipeline for one scene directory and prints
// the stage timing report.
func (r *Root) RunScene(ctx context.Context, sceneDir, imageDir string, overwrite bool) error {
	if imageDir == "" {
		imageDir = sceneImageDir(sceneDir)
	}
	cfg := *r.cfg
	if overwrite {
		cfg.Overwrite = true
	}
	engines, err := r.enginesFn()
	if err != nil {
		return err
	}
	p, err := pipeline.New(&cfg, r.log, r.store, engines, sceneDir, imageDir)
	if err != nil {
		return err
	}
	report, runErr := p.Run(ctx)
	fmt.Print(FormatReport(report))
	return runErr
}

func sceneImageDir(scene string) string {
	return filepath.Join(scene, "images")
}

func secondsDuration(s int) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

// FormatReport renders the per-stage timing table of a run.
func FormatReport(report *pipeline.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\n", report.RunID)
	fmt.Fprintf(&b, "%-24s %-10s %10s\n", "stage", "status", "seconds")
	for _, st := range report.Stages {
		fmt.Fprintf(&b, "%-24s %-10s %10.2f\n", st.Stage, st.Status, st.Duration.Seconds())
	}
	fmt.Fprintf(&b, "%-24s %-10s %10.2f\n", "total", "", report.Total.Seconds())
	if report.Model != nil {
		fmt.Fprintf(&b, "registered %d images, %d points\n", len(report.Model.Images), len(report.Model.Points))
	} else {
		fmt.Fprintf(&b, "no sparse model produced\n")
	}
	return b.String()
}

// ToolStatus prints the availability of every configured engine.
func (r *Root) ToolStatus() error {
	tm := tasks.NewToolManager(r.cfg)
	status := tm.GetToolStatus()

	roles := make([]string, 0, len(status))
	for role := range status {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Printf("%s:\n", role)
		names := make([]string, 0, len(status[role]))
		for name := range status[role] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := status[role][name]
			logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
			mark := "missing"
			if st.Available {
				mark = "ok"
				if st.Version != "" {
					mark = "ok (" + st.Version + ")"
				}
			}
			fmt.Printf("  %-20s %s\n", name, mark)
		}
	}
	return nil
}
