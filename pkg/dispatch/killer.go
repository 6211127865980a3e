package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/telemetry"
	"github.com/openfroyo/deployd/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// Killer terminates recorded worker processes, locally or on the remote
// host named by the record.
type Killer struct {
	remotes map[string]*ssh.Client
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// NewKiller creates a killer. remotes maps host names to their clients.
func NewKiller(remotes map[string]*ssh.Client, metrics *telemetry.Metrics, log zerolog.Logger) *Killer {
	if remotes == nil {
		remotes = map[string]*ssh.Client{}
	}
	return &Killer{
		remotes: remotes,
		metrics: metrics,
		log:     log.With().Str("component", "process-killer").Logger(),
	}
}

// Kill implements engine.ProcessKiller.
func (k *Killer) Kill(ctx context.Context, rec engine.ProcessRecord) error {
	var err error
	if rec.IsLocal() {
		err = killLocal(rec.PID)
	} else {
		client, ok := k.remotes[rec.Host]
		if !ok {
			err = fmt.Errorf("no SSH connection configured for host %s", rec.Host)
		} else if err = client.Connect(ctx); err == nil {
			err = killRemote(ctx, client, rec.PID)
		}
	}

	if err != nil {
		k.metrics.RecordProcessKill("error")
		return fmt.Errorf("failed to kill pid %d (request %d): %w", rec.PID, rec.RequestID, err)
	}
	k.metrics.RecordProcessKill("killed")
	k.log.Debug().Int("pid", rec.PID).Int64("request_id", rec.RequestID).Str("host", rec.Host).Msg("worker process killed")
	return nil
}

func killLocal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		// Windows reports a missing process here.
		return nil
	}
	err = proc.Kill()
	if err == nil || errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// killRemote kills pid on the remote host. A process that no longer exists
// counts as killed.
func killRemote(ctx context.Context, client *ssh.Client, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	cmd := fmt.Sprintf("kill -9 %d 2>/dev/null || ! kill -0 %d 2>/dev/null", pid, pid)
	result, err := client.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("kill exited with code %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}
