// Package client implements the orchestrator side of a worker channel.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
)

// DefaultStartupTimeout bounds the wait for the worker's READY message.
const DefaultStartupTimeout = 30 * time.Second

// ErrChannelClosed is returned when the worker closed the channel without
// sending EXIT. The process exit code decides the outcome.
var ErrChannelClosed = errors.New("worker channel closed")

// Session speaks the protocol over one worker channel. A session carries a
// single command.
type Session struct {
	conn    io.ReadWriteCloser
	encoder *protocol.Encoder
	decoder *protocol.Decoder

	mu     sync.Mutex
	ready  *protocol.ReadyMessage
	closed bool
}

// Outcome is everything the worker reported for a command.
type Outcome struct {
	Done  *protocol.DoneMessage
	Error *protocol.ErrorMessage
	Exit  *protocol.ExitMessage
}

// Succeeded reports whether the worker sent DONE.
func (o *Outcome) Succeeded() bool {
	return o.Done != nil && o.Error == nil
}

// NewSession wraps an established channel.
func NewSession(conn io.ReadWriteCloser) *Session {
	return &Session{
		conn:    conn,
		encoder: protocol.NewEncoder(conn),
		decoder: protocol.NewDecoder(conn),
	}
}

// NewCommand builds a command with a fresh id.
func NewCommand(cmdType protocol.CommandType, params any, timeout time.Duration) (*protocol.CommandMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	seconds := int(timeout.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    cmdType,
		Timeout: seconds,
		Params:  data,
	}, nil
}

// AwaitReady waits for the worker's READY message.
func (s *Session) AwaitReady(ctx context.Context, timeout time.Duration) (*protocol.ReadyMessage, error) {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ready *protocol.ReadyMessage
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		msg, err := s.decoder.Decode()
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			resultCh <- result{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			resultCh <- result{err: err}
			return
		}
		resultCh <- result{ready: &ready}
	}()

	select {
	case <-readyCtx.Done():
		// The pending read unblocks when the caller closes the session.
		return nil, fmt.Errorf("timeout waiting for READY message: %w", readyCtx.Err())
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("failed to receive READY: %w", r.err)
		}
		s.mu.Lock()
		s.ready = r.ready
		s.mu.Unlock()
		return r.ready, nil
	}
}

// Run sends the command and reads the worker's reply until EXIT or until the
// channel closes. Every EVENT is passed to onEvent. Run does not watch a
// context: cancellation is delivered by killing the worker, which closes
// the channel.
func (s *Session) Run(cmd *protocol.CommandMessage, onEvent func(*protocol.EventMessage)) (*Outcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("session is closed")
	}

	if err := s.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	outcome := &Outcome{}
	for {
		msg, err := s.decoder.Decode()
		if errors.Is(err, io.EOF) {
			return outcome, ErrChannelClosed
		}
		if err != nil {
			return outcome, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return outcome, fmt.Errorf("failed to parse event: %w", err)
			}
			if onEvent != nil {
				onEvent(&event)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return outcome, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return outcome, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			outcome.Done = &done

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return outcome, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return outcome, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			outcome.Error = &errMsg

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			if err := protocol.ParseParams(msg.Data, &exit); err != nil {
				return outcome, fmt.Errorf("failed to parse exit: %w", err)
			}
			outcome.Exit = &exit
			return outcome, nil

		default:
			return outcome, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

// Ready returns the READY message received during startup.
func (s *Session) Ready() *protocol.ReadyMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Close closes the channel. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
