package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxMessageSize bounds one encoded message, newline excluded.
const MaxMessageSize = 10 * 1024 * 1024

// ErrMessageTooLarge is returned by the decoder for a line longer than
// MaxMessageSize. The channel cannot be resynchronized after it.
var ErrMessageTooLarge = errors.New("protocol message exceeds maximum size")

// validator is implemented by payloads that can check themselves before
// they are sent.
type validator interface {
	Validate() error
}

// Encoder writes newline-delimited messages. Each message is written with
// a single Write under a lock, so output events from concurrent readers of
// a script's stdout and stderr never interleave.
type Encoder struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, now: time.Now}
}

// Encode wraps data in an envelope of the given type and writes it.
func (e *Encoder) Encode(msgType MessageType, data any) error {
	if err := msgType.Validate(); err != nil {
		return err
	}
	if v, ok := data.(validator); ok && !isNil(data) {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msgType, err)
		}
	}

	msg := Message{Type: msgType, Timestamp: e.now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Data = raw
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}
	if len(line) > MaxMessageSize {
		return fmt.Errorf("%s message of %d bytes: %w", msgType, len(line), ErrMessageTooLarge)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msgType, err)
	}
	return nil
}

func isNil(v any) bool {
	switch p := v.(type) {
	case *CommandMessage:
		return p == nil
	case *EventMessage:
		return p == nil
	}
	return false
}

// EncodeReady sends the worker's READY handshake.
func (e *Encoder) EncodeReady(ready *ReadyMessage) error {
	return e.Encode(MessageTypeReady, ready)
}

// EncodeCommand sends the unit of work. Invalid commands are not written.
func (e *Encoder) EncodeCommand(cmd *CommandMessage) error {
	return e.Encode(MessageTypeCommand, cmd)
}

// EncodeEvent sends one output line.
func (e *Encoder) EncodeEvent(event *EventMessage) error {
	return e.Encode(MessageTypeEvent, event)
}

// EncodeDone reports a successful command.
func (e *Encoder) EncodeDone(done *DoneMessage) error {
	return e.Encode(MessageTypeDone, done)
}

// EncodeError reports a failed command.
func (e *Encoder) EncodeError(msg *ErrorMessage) error {
	return e.Encode(MessageTypeError, msg)
}

// EncodeExit announces that the worker is about to exit.
func (e *Encoder) EncodeExit(exit *ExitMessage) error {
	return e.Encode(MessageTypeExit, exit)
}

// Decoder reads newline-delimited messages. Blank lines are skipped.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxMessageSize+1)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message. It returns io.EOF when the stream ends
// between messages.
func (d *Decoder) Decode() (*Message, error) {
	for d.scanner.Scan() {
		d.line++
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("line %d: malformed message: %w", d.line, err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", d.line, err)
		}
		return &msg, nil
	}

	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("line %d: %w", d.line+1, ErrMessageTooLarge)
		}
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return nil, io.EOF
}

// Expect reads the next message, requires it to be of type want and
// decodes its payload into into.
func (d *Decoder) Expect(want MessageType, into any) error {
	msg, err := d.Decode()
	if err != nil {
		return err
	}
	if msg.Type != want {
		return fmt.Errorf("expected %s message, got %s", want, msg.Type)
	}
	return ParseParams(msg.Data, into)
}

// DecodeCommand reads the CMD message a worker waits for after READY.
func (d *Decoder) DecodeCommand() (*CommandMessage, error) {
	var cmd CommandMessage
	if err := d.Expect(MessageTypeCommand, &cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &cmd, nil
}

// ParseParams decodes a message payload or command parameters into target.
// An absent payload leaves target unchanged.
func ParseParams(params json.RawMessage, target any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
