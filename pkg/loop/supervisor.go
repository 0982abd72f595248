package loop

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/allenwang28/monarch-rl-examples/pkg/rl"
)

// Supervisor runs the training loop and any number of rollout loops as one
// unit: the first loop to fail with a non-retryable error cancels the
// rest, and a stop request from the parent context shuts everything down
// cleanly.
type Supervisor struct {
	training *TrainingLoop
	rollouts []*RolloutLoop
	logger   *slog.Logger
}

// NewSupervisor groups a training loop with its rollout loops.
func NewSupervisor(training *TrainingLoop, rollouts ...*RolloutLoop) (*Supervisor, error) {
	if training == nil {
		return nil, rl.ErrInvalidConfiguration("training", nil, "supervisor requires a training loop")
	}
	for i, r := range rollouts {
		if r == nil {
			return nil, rl.ErrInvalidConfiguration("rollouts", i, "rollout loop must not be nil")
		}
	}
	return &Supervisor{
		training: training,
		rollouts: rollouts,
		logger:   slog.Default().With("component", "loop-supervisor"),
	}, nil
}

// Run blocks until every loop has returned. Cancellation of the parent
// context is a clean stop and yields nil; any other loop failure is
// returned after the remaining loops have been cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.training.Run(gctx) })
	for _, r := range s.rollouts {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	s.logger.Info("loops running", "rollouts", len(s.rollouts))
	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		s.logger.Info("loops stopped on request")
		return nil
	}
	if err != nil {
		s.logger.Error("loops stopped on failure", "error", err)
	}
	return err
}
