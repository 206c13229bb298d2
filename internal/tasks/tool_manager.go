package tasks

import (
	"fmt"
	"os/exec"
	"strings"

	"parallax/internal/config"
)

// ToolManager reports availability of the external engines the pipeline
// depends on.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a tool manager for the given configuration.
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies whether a tool binary is available and working.
func (tm *ToolManager) CheckTool(binaryName string) ToolStatus {
	if binaryName == "" {
		return ToolStatus{Available: false, Error: fmt.Errorf("no tool configured")}
	}

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	cmd := exec.Command(binaryName, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Some tools exit non-zero for --version but still print something
		// usable.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: true, Path: path}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of every configured engine, keyed by
// role and tool name.
func (tm *ToolManager) GetToolStatus() map[string]map[string]ToolStatus {
	status := make(map[string]map[string]ToolStatus)

	features := make(map[string]ToolStatus)
	for _, f := range tm.cfg.Features {
		features[f.Name] = tm.CheckTool(f.Command)
	}
	status["features"] = features

	matching := make(map[string]ToolStatus)
	for _, m := range tm.cfg.Matching {
		matching[m.Name] = tm.CheckTool(m.Command)
	}
	status["matching"] = matching

	status["retrieval"] = map[string]ToolStatus{
		tm.cfg.Retrieval.Command: tm.CheckTool(tm.cfg.Retrieval.Command),
	}
	status["orientation"] = map[string]ToolStatus{
		tm.cfg.Rotation.Command: tm.CheckTool(tm.cfg.Rotation.Command),
	}
	status["reconstruction"] = map[string]ToolStatus{
		tm.cfg.Reconstruction.Command: tm.CheckTool(tm.cfg.Reconstruction.Command),
	}
	status["refinement"] = map[string]ToolStatus{
		tm.cfg.Refinement.Command: tm.CheckTool(tm.cfg.Refinement.Command),
	}
	status["image_ops"] = map[string]ToolStatus{
		"imagemagick": tm.CheckTool("convert"),
		"native":      {Available: true, Version: "builtin"},
	}

	return status
}

// extractVersion extracts version information from tool output.
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
