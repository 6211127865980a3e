package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func runEngine(t *testing.T, e *Engine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(ctx, false, 5*time.Millisecond)
	}()
	return cancel, errCh
}

func waitForRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Engine did not stop")
		return nil
	}
}

func TestEngine_RunsUntilCancelled(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	e := NewEngine(h.processor, zerolog.Nop())
	h.submit(t, 1, "staging", false, scriptSpec("api", false))
	h.submit(t, 2, "staging", false, scriptSpec("api", false))

	cancel, errCh := runEngine(t, e)
	h.waitForStatus(t, 1, RequestStatusComplete)
	h.waitForStatus(t, 2, RequestStatusComplete)
	cancel()

	if err := waitForRun(t, errCh); err != nil {
		t.Errorf("Expected graceful exit, got %v", err)
	}
}

func TestEngine_ShutdownCancelsInFlightExecutions(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.scripts.block = true
	e := NewEngine(h.processor, zerolog.Nop())
	h.submit(t, 1, "staging", false, scriptSpec("api", false))

	cancel, errCh := runEngine(t, e)
	<-h.scripts.started
	cancel()

	if err := waitForRun(t, errCh); err != nil {
		t.Errorf("Expected graceful exit, got %v", err)
	}
	if h.registry.IsRegistered(1) {
		t.Error("Expected execution unwound before Run returned")
	}
	if h.store.processCount() != 0 {
		t.Error("Expected worker process records removed on shutdown")
	}
	if got := h.store.resultsOf(t, 1)[0].Status; got != ResultStatusCancelled {
		t.Errorf("Expected in-flight component cancelled, got %s", got)
	}
}

func TestEngine_PhaseErrorIsFatal(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	h.store.queryErr = errors.New("connection refused")
	e := NewEngine(h.processor, zerolog.Nop())

	_, errCh := runEngine(t, e)
	err := waitForRun(t, errCh)
	if err == nil {
		t.Fatal("Expected phase error to stop the engine")
	}
	if !IsTransient(err) {
		t.Errorf("Expected the store error to be preserved, got %v", err)
	}
}

func TestEngine_SweepModes(t *testing.T) {
	tests := []struct {
		name string
		mode SweepMode
	}{
		{name: "inline", mode: SweepModeInline},
		{name: "independent", mode: SweepModeIndependent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, ProcessorConfig{})
			e := NewEngine(h.processor, zerolog.Nop(), WithSweeper(h.sweeper, tt.mode, 5*time.Millisecond))
			h.submit(t, 1, "staging", false, infraSpec("network"), scriptSpec("api", false))

			cancel, errCh := runEngine(t, e)
			defer func() {
				cancel()
				_ = waitForRun(t, errCh)
			}()

			deadline := time.Now().Add(2 * time.Second)
			for {
				results := h.store.resultsOf(t, 1)
				if len(results) > 0 && results[0].Status == ResultStatusWaitingConfirmation {
					h.confirm(t, results[0].ID)
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("Plan was never created")
				}
				time.Sleep(5 * time.Millisecond)
			}

			h.waitForStatus(t, 1, RequestStatusComplete)
		})
	}
}

func TestEngine_SweepDisabledLeavesConfirmedPlans(t *testing.T) {
	h := newHarness(t, ProcessorConfig{})
	e := NewEngine(h.processor, zerolog.Nop(), WithSweeper(h.sweeper, SweepModeDisabled, 0))
	if e.sweepMode != SweepModeDisabled {
		t.Fatalf("Expected disabled mode, got %s", e.sweepMode)
	}

	e = NewEngine(h.processor, zerolog.Nop(), WithSweeper(nil, SweepModeInline, 0))
	if e.sweepMode != SweepModeDisabled {
		t.Errorf("Expected a missing sweeper to disable sweeping, got %s", e.sweepMode)
	}
}

func TestSweepMode_Validate(t *testing.T) {
	for _, mode := range []SweepMode{SweepModeIndependent, SweepModeInline, SweepModeDisabled} {
		if err := mode.Validate(); err != nil {
			t.Errorf("Expected %s valid: %v", mode, err)
		}
	}
	if err := SweepMode("hourly").Validate(); err == nil {
		t.Error("Expected unknown mode to be invalid")
	}
}
