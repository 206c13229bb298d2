package tasks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// runTool executes an external tool and captures its combined output. The
// output is only available after the process terminates; there is no
// streaming. Callers bound the invocation with a context deadline, so a
// wedged tool cannot hang the pipeline.
func runTool(ctx context.Context, command string, args ...string) (ProcResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	res := ProcResult{Output: out, Duration: time.Since(start)}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", command, ctxErr)
		}
		return res, fmt.Errorf("%s: %w", command, err)
	}
	return res, nil
}
