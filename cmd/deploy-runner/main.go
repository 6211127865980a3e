// Command deploy-runner is the isolated worker process. It receives exactly
// one unit of work over its channel, streams output back as events, and
// reports the outcome through its exit code.
//
// The channel is the unix socket named by DEPLOY_CHANNEL, or stdin/stdout
// when the variable is unset (remote workers started over SSH).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/openfroyo/deployd/pkg/runner/handlers"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/rs/zerolog"
)

// version is set at build time.
var version = "dev"

type runner struct {
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	scripts *handlers.ScriptHandler
	plans   *handlers.PlanHandler
	logger  zerolog.Logger
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "deploy-runner").Logger()

	conn, err := openChannel()
	if err != nil {
		logger.Error().Err(err).Msg("failed to open channel")
		os.Exit(protocol.ExitFailure)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	r := &runner{
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn),
		scripts: &handlers.ScriptHandler{},
		plans:   handlers.NewPlanHandler(nil),
		logger:  logger,
	}

	code := r.run(ctx)
	stop()
	conn.Close()
	os.Exit(code)
}

func openChannel() (io.ReadWriteCloser, error) {
	path := os.Getenv(protocol.ChannelEnv)
	if path == "" {
		return stdio{}, nil
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return conn, nil
}

// stdio is the channel of a remote worker.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdout.Close() }

func (r *runner) run(ctx context.Context) int {
	if err := r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypeScriptRun):  true,
			string(protocol.CommandTypePlanCreate): true,
			string(protocol.CommandTypePlanApply):  true,
		},
	}); err != nil {
		r.logger.Error().Err(err).Msg("failed to send READY")
		return protocol.ExitFailure
	}

	cmd, err := r.decoder.DecodeCommand()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to read command")
		_ = r.encoder.EncodeError(&protocol.ErrorMessage{Code: protocol.ErrCodeInvalidCommand, Message: err.Error()})
		return r.exit("invalid_command", protocol.ExitFailure)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	emit := func(stream, line string) {
		level := "info"
		if stream == "stderr" {
			level = "warn"
		}
		if err := r.encoder.EncodeEvent(&protocol.EventMessage{
			CommandID: cmd.ID,
			Level:     level,
			Stream:    stream,
			Message:   line,
		}); err != nil {
			r.logger.Warn().Err(err).Msg("failed to send event")
		}
	}

	start := time.Now()
	result, code, err := r.handle(cmdCtx, cmd, emit)
	duration := time.Since(start).Seconds()

	switch {
	case ctx.Err() != nil:
		// Terminated by signal: the orchestrator is cancelling this request.
		_ = r.encoder.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: protocol.ErrCodeCancelled, Message: "terminated"})
		return r.exit("cancelled", protocol.ExitCancelled)
	case err != nil:
		_ = r.encoder.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: code, Message: err.Error()})
		return r.exit("failed", protocol.ExitFailure)
	}

	if err := r.encoder.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result, Duration: duration}); err != nil {
		r.logger.Error().Err(err).Msg("failed to send DONE")
		return r.exit("failed", protocol.ExitFailure)
	}
	return r.exit("completed", protocol.ExitSuccess)
}

func (r *runner) handle(ctx context.Context, cmd *protocol.CommandMessage, emit handlers.Emitter) (json.RawMessage, string, error) {
	switch cmd.Type {
	case protocol.CommandTypeScriptRun:
		var params protocol.ScriptRunParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.ErrCodeInvalidCommand, err
		}
		result, err := r.scripts.Handle(ctx, &params, emit)
		return marshalResult(result, protocol.ErrCodeScriptFailed, err)

	case protocol.CommandTypePlanCreate, protocol.CommandTypePlanApply:
		var params protocol.PlanParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.ErrCodeInvalidCommand, err
		}
		if cmd.Type == protocol.CommandTypePlanCreate {
			result, err := r.plans.Create(ctx, &params, emit)
			return marshalResult(result, protocol.ErrCodePlanFailed, err)
		}
		result, err := r.plans.Apply(ctx, &params, emit)
		return marshalResult(result, protocol.ErrCodeApplyFailed, err)

	default:
		return nil, protocol.ErrCodeInvalidCommand, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func marshalResult(result any, failCode string, err error) (json.RawMessage, string, error) {
	if err != nil {
		return nil, failCode, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, failCode, err
	}
	return data, "", nil
}

func (r *runner) exit(reason string, code int) int {
	if err := r.encoder.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to send EXIT")
	}
	return code
}
