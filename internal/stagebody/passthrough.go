package stagebody

import (
	"context"
	"fmt"
	"path/filepath"

	"cadence/internal/fileutil"
	"cadence/internal/logging"
	"cadence/internal/stage"
)

// Passthrough copies the invocation's primary input into the stage
// directory under its original name.
type Passthrough struct{}

func (Passthrough) Run(ctx context.Context, inv stage.Invocation) (stage.Result, error) {
	if err := ctx.Err(); err != nil {
		return stage.Result{}, err
	}
	src := inv.Primary()
	if src.Path == "" {
		return stage.Result{}, fmt.Errorf("%s: no input to pass through", inv.Stage)
	}
	dst := filepath.Join(inv.OutputDir, filepath.Base(src.Path))
	if err := fileutil.CopyFile(src.Path, dst); err != nil {
		return stage.Result{}, fmt.Errorf("%s: pass through %s: %w", inv.Stage, filepath.Base(src.Path), err)
	}
	if inv.Logger != nil {
		inv.Logger.DebugContext(ctx, "input passed through",
			logging.String("source", src.Path),
			logging.String("produced_by", string(src.Stage)),
		)
	}
	desc := src.Description
	if desc == "" {
		desc = "pass-through of " + string(src.Stage) + " output"
	}
	return stage.Result{Outputs: []stage.Output{{Path: dst, Description: desc}}}, nil
}
