package pipeline

import (
	"context"
)

// runLocalizeUnregistered reports which images the reconstruction failed to
// register. The heavy lifting of localizing them against the model belongs
// to the reconstruction engine; this stage surfaces the gap so operators
// can decide whether a re-run with different settings is worth it.
func (p *Pipeline) runLocalizeUnregistered(ctx context.Context) (StageStatus, error) {
	if err := ctx.Err(); err != nil {
		return StatusFailed, err
	}
	if p.model == nil {
		p.log.Info("no sparse model, all images unregistered", "images", len(p.images))
		return StatusCompleted, nil
	}
	registered := make(map[string]bool, len(p.model.Images))
	for _, name := range p.model.RegisteredNames() {
		registered[name] = true
	}
	var missing []string
	for _, name := range p.images {
		if !registered[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		p.log.Info("all images registered", "images", len(p.images))
		return StatusCompleted, nil
	}
	p.log.Warn("images left unregistered", "count", len(missing), "images", missing)
	return StatusCompleted, nil
}
