package client

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker drives the worker end of a pipe.
type fakeWorker struct {
	enc *protocol.Encoder
	dec *protocol.Decoder
}

func newPair(t *testing.T) (*Session, *fakeWorker) {
	t.Helper()
	orchestrator, worker := net.Pipe()
	t.Cleanup(func() {
		orchestrator.Close()
		worker.Close()
	})
	return NewSession(orchestrator), &fakeWorker{
		enc: protocol.NewEncoder(worker),
		dec: protocol.NewDecoder(worker),
	}
}

func testCommand(t *testing.T) *protocol.CommandMessage {
	t.Helper()
	cmd, err := NewCommand(protocol.CommandTypeScriptRun, &protocol.ScriptRunParams{
		RequestID: 7,
		Scripts:   []protocol.ScriptRef{{Path: "deploy.sh"}},
	}, time.Hour)
	require.NoError(t, err)
	return cmd
}

func TestAwaitReady(t *testing.T) {
	session, worker := newPair(t)

	go func() {
		_ = worker.enc.EncodeReady(&protocol.ReadyMessage{Version: "test", PID: 4242})
	}()

	ready, err := session.AwaitReady(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4242, ready.PID)
	assert.Same(t, ready, session.Ready())
}

func TestAwaitReadyTimeout(t *testing.T) {
	session, _ := newPair(t)

	_, err := session.AwaitReady(context.Background(), 20*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitReadyWrongMessage(t *testing.T) {
	session, worker := newPair(t)

	go func() {
		_ = worker.enc.EncodeExit(&protocol.ExitMessage{Reason: "oops", ExitCode: 1})
	}()

	_, err := session.AwaitReady(context.Background(), time.Second)
	assert.ErrorContains(t, err, "expected READY")
}

func TestRunStreamsEventsUntilExit(t *testing.T) {
	session, worker := newPair(t)
	cmd := testCommand(t)

	go func() {
		got, err := worker.dec.DecodeCommand()
		if err != nil {
			return
		}
		_ = worker.enc.EncodeEvent(&protocol.EventMessage{CommandID: got.ID, Stream: "stdout", Message: "line 1"})
		_ = worker.enc.EncodeEvent(&protocol.EventMessage{CommandID: got.ID, Stream: "stderr", Message: "line 2"})
		_ = worker.enc.EncodeDone(&protocol.DoneMessage{CommandID: got.ID})
		_ = worker.enc.EncodeExit(&protocol.ExitMessage{Reason: "completed"})
	}()

	var lines []string
	outcome, err := session.Run(cmd, func(e *protocol.EventMessage) {
		lines = append(lines, e.Stream+": "+e.Message)
	})
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
	require.NotNil(t, outcome.Exit)
	assert.Equal(t, []string{"stdout: line 1", "stderr: line 2"}, lines)
}

func TestRunReportsWorkerError(t *testing.T) {
	session, worker := newPair(t)
	cmd := testCommand(t)

	go func() {
		got, err := worker.dec.DecodeCommand()
		if err != nil {
			return
		}
		_ = worker.enc.EncodeError(&protocol.ErrorMessage{CommandID: got.ID, Code: protocol.ErrCodeScriptFailed, Message: "exit 2"})
		_ = worker.enc.EncodeExit(&protocol.ExitMessage{Reason: "failed", ExitCode: protocol.ExitFailure})
	}()

	outcome, err := session.Run(cmd, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Succeeded())
	require.NotNil(t, outcome.Error)
	assert.Equal(t, protocol.ErrCodeScriptFailed, outcome.Error.Code)
	assert.Equal(t, protocol.ExitFailure, outcome.Exit.ExitCode)
}

func TestRunChannelClosedWithoutExit(t *testing.T) {
	orchestrator, worker := net.Pipe()
	session := NewSession(orchestrator)
	defer session.Close()
	cmd := testCommand(t)

	go func() {
		dec := protocol.NewDecoder(worker)
		_, _ = dec.DecodeCommand()
		worker.Close()
	}()

	_, err := session.Run(cmd, nil)
	assert.True(t, errors.Is(err, ErrChannelClosed) || errors.Is(err, io.ErrClosedPipe), "unexpected error %v", err)
}

func TestRunRejectsMismatchedCommandID(t *testing.T) {
	session, worker := newPair(t)
	cmd := testCommand(t)

	go func() {
		if _, err := worker.dec.DecodeCommand(); err != nil {
			return
		}
		_ = worker.enc.EncodeDone(&protocol.DoneMessage{CommandID: "someone-else"})
	}()

	_, err := session.Run(cmd, nil)
	assert.ErrorContains(t, err, "command ID mismatch")
}

func TestRunAfterClose(t *testing.T) {
	session, _ := newPair(t)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err := session.Run(testCommand(t), nil)
	assert.ErrorContains(t, err, "closed")
}

func TestNewCommandAssignsUniqueIDs(t *testing.T) {
	a := testCommand(t)
	b := testCommand(t)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 3600, a.Timeout)
}
