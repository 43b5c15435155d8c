package checkout

import (
	"context"
	"log/slog"
	"time"
)

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// compensations are undo steps run newest first when placement fails part way.
type compensations struct {
	steps []undoStep
}

func (c *compensations) add(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, undoStep{name: name, fn: fn})
}

// run executes every step even when one fails. Failures are logged; the
// caller already has the error that triggered the rollback.
func (c *compensations) run(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		if err := step.fn(ctx); err != nil {
			logger.ErrorContext(ctx, "compensation step failed", "step", step.name, "error", err)
			continue
		}
		logger.InfoContext(ctx, "compensation step done", "step", step.name)
	}
}
