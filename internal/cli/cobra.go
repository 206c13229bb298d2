package cli

import (
	"context"
	"fmt"
	"sync"

	"log/slog"

	"github.com/spf13/cobra"

	"parallax/internal/config"
	"parallax/internal/pipeline"
	"parallax/internal/storage"
	"parallax/internal/watch"
	"parallax/internal/web"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	root := NewRoot(cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "parallax",
		Short: "Parallax augments an image-matching pipeline for sparse reconstruction",
		Long: `Parallax orchestrates feature extraction, matching, crop-based match
augmentation and rotation normalization for structure-from-motion scenes,
delegating the heavy lifting to external engines.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		imageDir  string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "run <scene_directory>",
		Short: "Run the full pipeline for one scene",
		Long: `Execute every stage for a scene: preprocessing, pair selection,
extraction, matching, ensemble merge, crop augmentation, rotation
normalization, reconstruction and pose correction. Stages whose output
already exists are skipped unless --overwrite is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.RunScene(cmd.Context(), args[0], imageDir, overwrite)
		},
	}
	cmd.Flags().StringVar(&imageDir, "image-dir", "", "image directory (default <scene>/images)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "re-run stages even when output exists")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var debounceSeconds int
	cmd := &cobra.Command{
		Use:   "watch <scenes_root>",
		Short: "Watch a directory and run the pipeline for each settled scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watchScenes(cmd.Context(), args[0], debounceSeconds)
		},
	}
	cmd.Flags().IntVar(&debounceSeconds, "debounce", 5, "seconds a scene must stay quiet before a run starts")
	return cmd
}

func (r *Root) watchScenes(ctx context.Context, rootDir string, debounceSeconds int) error {
	w, err := watch.New(rootDir, secondsDuration(debounceSeconds), r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scene, ok := <-w.Scenes:
			if !ok {
				return nil
			}
			if err := r.RunScene(ctx, scene, "", false); err != nil {
				r.log.Error("scene run failed", "scene", scene, "error", err)
			}
		}
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string
	var watchRoot string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run-monitoring API, optionally watching a scenes root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serve(cmd.Context(), addr, watchRoot)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&watchRoot, "watch", "", "scenes root to watch for new scenes")
	return cmd
}

func (r *Root) serve(ctx context.Context, addr, watchRoot string) error {
	if r.store == nil {
		return fmt.Errorf("serve requires a run-record database (paths.database_path)")
	}
	srv := web.New(addr, r.store, r.log)

	if watchRoot != "" {
		w, err := watch.New(watchRoot, 0, r.log)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
		runner := newSceneRunner(func(scene string) {
			if err := r.runScenePublishing(ctx, scene, srv); err != nil {
				r.log.Error("scene run failed", "scene", scene, "error", err)
			}
		})
		go func() {
			for scene := range w.Scenes {
				if !runner.dispatch(scene) {
					r.log.Info("scene run still in flight, dropping notification", "scene", scene)
				}
			}
		}()
	}
	return srv.Start(ctx)
}

// sceneRunner serializes pipeline runs per scene. The pipeline works against
// a scene's files in place, so two runs for the same scene must never
// overlap; a notification arriving while its scene is still running is
// dropped and the next settled notification starts a fresh run.
type sceneRunner struct {
	run func(scene string)

	mu       sync.Mutex
	inFlight map[string]bool
}

func newSceneRunner(run func(scene string)) *sceneRunner {
	return &sceneRunner{run: run, inFlight: make(map[string]bool)}
}

// dispatch starts a run for scene unless one is already in flight. It
// reports whether a run was started.
func (sr *sceneRunner) dispatch(scene string) bool {
	sr.mu.Lock()
	if sr.inFlight[scene] {
		sr.mu.Unlock()
		return false
	}
	sr.inFlight[scene] = true
	sr.mu.Unlock()

	go func() {
		defer func() {
			sr.mu.Lock()
			delete(sr.inFlight, scene)
			sr.mu.Unlock()
		}()
		sr.run(scene)
	}()
	return true
}

// runScenePublishing runs a scene while forwarding its stage events to the
// web server's websocket clients.
func (r *Root) runScenePublishing(ctx context.Context, scene string, srv *web.Server) error {
	engines, err := r.enginesFn()
	if err != nil {
		return err
	}
	p, err := pipeline.New(r.cfg, r.log, r.store, engines, scene, sceneImageDir(scene))
	if err != nil {
		return err
	}
	events, unsub := p.Subscribe()
	defer unsub()
	go func() {
		for ev := range events {
			srv.Publish(ev)
		}
	}()
	_, err = p.Run(ctx)
	return err
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show availability of the configured external engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.ToolStatus()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parallax %s\n", Version)
		},
	}
}
