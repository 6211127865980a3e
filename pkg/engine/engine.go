package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SweepMode selects how the plan confirmation sweeper is scheduled.
type SweepMode string

const (
	// SweepModeIndependent runs the sweeper on its own goroutine and interval.
	SweepModeIndependent SweepMode = "independent"

	// SweepModeInline runs one sweep after every execute phase.
	SweepModeInline SweepMode = "inline"

	// SweepModeDisabled never sweeps; confirmed plans are left alone.
	SweepModeDisabled SweepMode = "disabled"
)

// Validate checks if the sweep mode is valid.
func (m SweepMode) Validate() error {
	switch m {
	case SweepModeIndependent, SweepModeInline, SweepModeDisabled:
		return nil
	default:
		return fmt.Errorf("invalid sweep mode: %s", m)
	}
}

// Engine is the scheduling loop. It owns the iteration cadence and nothing
// else: every decision is made by the state processor.
type Engine struct {
	processor     *StateProcessor
	sweeper       *PlanSweeper
	sweepMode     SweepMode
	sweepInterval time.Duration
	logger        zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSweeper attaches the plan confirmation sweeper. The interval is only
// used in independent mode.
func WithSweeper(sweeper *PlanSweeper, mode SweepMode, interval time.Duration) Option {
	return func(e *Engine) {
		e.sweeper = sweeper
		e.sweepMode = mode
		e.sweepInterval = interval
	}
}

// NewEngine creates a scheduling loop around a state processor.
func NewEngine(processor *StateProcessor, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		processor: processor,
		sweepMode: SweepModeDisabled,
		logger:    logger.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sweeper == nil {
		e.sweepMode = SweepModeDisabled
	}
	return e
}

// Run drives the scheduling loop until ctx is cancelled. Each iteration runs
// abandon, cancel, restart and execute in that order, then sleeps for
// delay. An error inside a phase ends the loop and is returned; the caller
// is expected to exit the process. Cancellation of ctx returns nil once
// every in-flight execution task has unwound.
func (e *Engine) Run(ctx context.Context, isProduction bool, delay time.Duration) error {
	var background sync.WaitGroup
	defer func() {
		background.Wait()
		e.processor.Wait()
	}()

	if e.sweepMode == SweepModeIndependent {
		background.Add(1)
		go func() {
			defer background.Done()
			e.sweeper.Run(ctx, isProduction, e.sweepInterval)
		}()
	}

	e.logger.Info().
		Bool("production", isProduction).
		Dur("delay", delay).
		Str("sweep_mode", string(e.sweepMode)).
		Msg("Deployment engine started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Deployment engine stopping, waiting for executions to finish")
			return nil
		case <-timer.C:
		}

		if err := e.iterate(ctx, isProduction); err != nil {
			if ctx.Err() != nil {
				e.logger.Info().Msg("Deployment engine stopping, waiting for executions to finish")
				return nil
			}
			e.logger.Error().Err(err).Msg("Scheduling phase failed, stopping engine")
			return err
		}
		timer.Reset(delay)
	}
}

// iterate runs one pass of every phase.
func (e *Engine) iterate(ctx context.Context, isProduction bool) error {
	phases := []struct {
		name string
		run  func(context.Context, bool) error
	}{
		{"abandon", e.processor.Abandon},
		{"cancel", e.processor.Cancel},
		{"restart", e.processor.Restart},
		{"execute", e.processor.Execute},
	}
	for _, phase := range phases {
		if err := phase.run(ctx, isProduction); err != nil {
			return fmt.Errorf("%s phase: %w", phase.name, err)
		}
	}

	if e.sweepMode == SweepModeInline {
		if _, err := e.sweeper.SweepOnce(ctx, isProduction); err != nil {
			e.logger.Error().Err(err).Msg("Inline plan sweep failed")
		}
	}
	return nil
}
