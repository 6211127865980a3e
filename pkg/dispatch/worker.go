package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/client"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/rs/zerolog"
)

// DefaultCompatibilityKey selects the worker executable when a script names
// no runtime version.
const DefaultCompatibilityKey = "default"

// Config configures how workers are started and talked to.
type Config struct {
	// Executables maps compatibility keys to worker executable paths.
	Executables map[string]string

	// PlanKey selects the worker executable for infrastructure components.
	PlanKey string

	// Interpreter runs scripts inside the worker; empty uses the worker default.
	Interpreter string

	// ArtifactDir is where workers write plan artifacts.
	ArtifactDir string

	// StartupTimeout bounds the wait for a worker's READY message.
	StartupTimeout time.Duration

	// CommandTimeout is the execution limit sent with each command.
	CommandTimeout time.Duration

	// Owner is this orchestrator's instance id, stamped on process records.
	Owner string
}

func (c *Config) executable(key string) (string, error) {
	if key == "" {
		key = DefaultCompatibilityKey
	}
	if exe, ok := c.Executables[key]; ok && exe != "" {
		return exe, nil
	}
	return "", engine.NewPermanentError(fmt.Sprintf("no worker executable configured for %q", key), nil).
		WithCode(engine.ErrCodeWorkerNotFound)
}

// ProcessRecorder persists process association records.
type ProcessRecorder interface {
	AddProcess(ctx context.Context, rec engine.ProcessRecord) error
	RemoveProcess(ctx context.Context, rec engine.ProcessRecord) error
}

// workers runs one command per worker process. It is shared by the script
// and plan dispatchers.
type workers struct {
	config      Config
	spawner     Spawner
	records     ProcessRecorder
	credentials CredentialSource
	log         zerolog.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	now         func() time.Time
}

// Option configures a dispatcher.
type Option func(*workers)

// WithTelemetry installs metrics and tracing.
func WithTelemetry(metrics *telemetry.Metrics, tracer *telemetry.Tracer) Option {
	return func(w *workers) {
		w.metrics = metrics
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

func newWorkers(cfg Config, spawner Spawner, records ProcessRecorder, credentials CredentialSource, log zerolog.Logger, opts []Option) *workers {
	w := &workers{
		config:      cfg,
		spawner:     spawner,
		records:     records,
		credentials: credentials,
		log:         log,
		tracer:      telemetry.NoopTracer(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// resolveCredentials returns the tier's deploy account or a
// CREDENTIALS_MISSING error.
func (w *workers) resolveCredentials(ctx context.Context, requestID int64, production bool) (*Credentials, error) {
	tier := TierName(production)
	creds, err := w.credentials.Lookup(ctx, tier)
	if err != nil {
		return nil, engine.NewTransientError("credential lookup failed", err).
			WithRequest(requestID).WithCode(engine.ErrCodeCredentialsMissing)
	}
	if creds == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("no deploy credentials configured for the %s tier", tier), nil).
			WithRequest(requestID).WithCode(engine.ErrCodeCredentialsMissing)
	}
	return creds, nil
}

// job is one command for one worker process.
type job struct {
	flavor      string
	requestID   int64
	key         string
	credentials *Credentials
	command     protocol.CommandType
	params      any
}

// jobResult is what the worker reported and how it exited.
type jobResult struct {
	outcome  *client.Outcome
	exitCode int
}

// succeeded reports success by exit code, the authoritative signal, and
// writes the failure reason to the result log otherwise.
func (r *jobResult) succeeded(sink engine.LogSink) bool {
	if r.outcome != nil && r.outcome.Error != nil {
		sink.Printf("ERROR: %s: %s", r.outcome.Error.Code, r.outcome.Error.Message)
	}
	if r.exitCode != protocol.ExitSuccess {
		sink.Printf("ERROR: worker exited with code %d", r.exitCode)
		return false
	}
	if r.outcome == nil || !r.outcome.Succeeded() {
		sink.Printf("ERROR: worker exited without reporting completion")
		return false
	}
	return true
}

// run spawns a worker, records its process, sends the command, streams its
// events into sink and waits for it to exit. Cancellation of ctx kills the
// worker and returns an error matching engine.ErrCancelled. The process
// record is removed on every path once the worker has exited.
func (w *workers) run(ctx context.Context, j job, sink engine.LogSink) (res *jobResult, err error) {
	ctx, span := w.tracer.StartDispatchSpan(ctx, j.flavor, j.requestID)
	started := w.now()
	defer func() {
		outcome := "success"
		switch {
		case engine.IsCancelled(err):
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
		case res.exitCode != protocol.ExitSuccess:
			outcome = "failure"
		}
		w.metrics.RecordDispatch(j.flavor, outcome, w.now().Sub(started))
		telemetry.RecordError(span, err)
		span.End()
	}()

	exe, err := w.config.executable(j.key)
	if err != nil {
		return nil, err
	}

	log := w.log.With().Int64("request_id", j.requestID).Str("flavor", j.flavor).Logger()

	worker, err := w.spawner.Spawn(ctx, SpawnSpec{
		RequestID:   j.requestID,
		Executable:  exe,
		Credentials: j.credentials,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewCancelledError("dispatch cancelled before spawn", ctx.Err()).WithRequest(j.requestID)
		}
		return nil, engine.NewTransientError("failed to spawn worker", err).
			WithRequest(j.requestID).WithCode(engine.ErrCodeWorkerSpawn)
	}
	log = log.With().Int("pid", worker.PID()).Str("host", worker.Host()).Logger()
	span.SetAttributes(telemetry.AttrWorkerPID.Int(worker.PID()))

	rec := engine.ProcessRecord{
		PID:       worker.PID(),
		RequestID: j.requestID,
		Host:      worker.Host(),
		Owner:     w.config.Owner,
		CreatedAt: w.now(),
	}
	if err := w.records.AddProcess(ctx, rec); err != nil {
		_ = worker.Kill()
		_, _ = worker.Wait()
		return nil, engine.NewTransientError("failed to record worker process", err).
			WithRequest(j.requestID).WithCode(engine.ErrCodeStore)
	}
	defer func() {
		if killErr := worker.Kill(); killErr != nil {
			log.Warn().Err(killErr).Msg("Failed to kill worker")
		}
		_, _ = worker.Wait()
		if rmErr := w.records.RemoveProcess(context.WithoutCancel(ctx), rec); rmErr != nil {
			log.Error().Err(rmErr).Msg("Failed to remove process record")
		}
	}()

	conn, err := worker.Connect(ctx)
	if err != nil {
		return w.abort(ctx, j, worker, "worker did not connect", err)
	}
	session := client.NewSession(conn)
	defer session.Close()

	ready, err := session.AwaitReady(ctx, w.config.StartupTimeout)
	if err != nil {
		_ = session.Close()
		return w.abort(ctx, j, worker, "worker did not become ready", err)
	}
	log.Debug().Str("version", ready.Version).Msg("Worker ready")

	cmd, err := client.NewCommand(j.command, j.params, w.config.CommandTimeout)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build worker command", err).WithRequest(j.requestID)
	}

	type runOutput struct {
		outcome *client.Outcome
		err     error
	}
	done := make(chan runOutput, 1)
	go func() {
		outcome, err := session.Run(cmd, func(e *protocol.EventMessage) {
			sink.Printf("%s", formatEvent(e))
		})
		done <- runOutput{outcome: outcome, err: err}
	}()

	var out runOutput
	select {
	case <-ctx.Done():
		log.Info().Msg("Dispatch cancelled, killing worker")
		_ = worker.Kill()
		_ = session.Close()
		<-done
		return nil, engine.NewCancelledError("dispatch cancelled", ctx.Err()).WithRequest(j.requestID)
	case out = <-done:
	}

	var code int
	select {
	case <-ctx.Done():
		_ = worker.Kill()
		return nil, engine.NewCancelledError("dispatch cancelled", ctx.Err()).WithRequest(j.requestID)
	case <-worker.Exited():
		var waitErr error
		code, waitErr = worker.Wait()
		if waitErr != nil {
			log.Warn().Err(waitErr).Msg("Worker exit status unavailable")
		}
	}

	if out.err != nil {
		log.Debug().Err(out.err).Msg("Worker channel ended abnormally")
	}
	if code == protocol.ExitCancelled {
		return nil, engine.NewCancelledError("worker terminated by cancellation", nil).WithRequest(j.requestID)
	}
	log.Debug().Int("exit_code", code).Msg("Worker exited")
	return &jobResult{outcome: out.outcome, exitCode: code}, nil
}

// abort handles a worker that failed before receiving its command.
func (w *workers) abort(ctx context.Context, j job, worker Worker, msg string, cause error) (*jobResult, error) {
	_ = worker.Kill()
	if ctx.Err() != nil {
		return nil, engine.NewCancelledError("dispatch cancelled", ctx.Err()).WithRequest(j.requestID)
	}
	return nil, engine.NewTransientError(msg, cause).
		WithRequest(j.requestID).WithCode(engine.ErrCodeWorkerSpawn)
}

func formatEvent(e *protocol.EventMessage) string {
	switch e.Level {
	case "error":
		return "ERROR: " + e.Message
	case "warn", "warning":
		return "WARNING: " + e.Message
	default:
		return e.Message
	}
}
