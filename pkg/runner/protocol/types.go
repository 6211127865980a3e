// Package protocol defines the newline-delimited JSON protocol spoken between
// the orchestrator and a deploy-runner worker over the worker channel.
//
// A session is: READY (worker), one CMD (orchestrator), any number of EVENTs,
// then DONE or ERROR, then EXIT (worker). The worker's exit code is the
// authoritative outcome; the messages carry output and detail.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive a command
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries the unit of work from the orchestrator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries output produced while the command runs
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is the last message before the runner terminates
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the unit of work to execute.
type CommandType string

const (
	// CommandTypeScriptRun runs a group of scripts sharing a runtime version
	CommandTypeScriptRun CommandType = "script.run"
	// CommandTypePlanCreate computes an infrastructure plan artifact
	CommandTypePlanCreate CommandType = "plan.create"
	// CommandTypePlanApply applies an existing plan artifact
	CommandTypePlanApply CommandType = "plan.apply"
)

// Worker exit codes.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitCancelled = 143
)

// ChannelEnv is the environment variable holding the local channel path.
const ChannelEnv = "DEPLOY_CHANNEL"

// ChannelName returns the channel name of a request's worker.
func ChannelName(requestID int64) string {
	return fmt.Sprintf("deploy-%d", requestID)
}

// Error codes carried by ERROR messages.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeScriptFailed   = "SCRIPT_FAILED"
	ErrCodePlanFailed     = "PLAN_FAILED"
	ErrCodeApplyFailed    = "APPLY_FAILED"
	ErrCodeCancelled      = "CANCELLED"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive a command.
type ReadyMessage struct {
	Version  string          `json:"version"`
	Platform string          `json:"platform"`
	Arch     string          `json:"arch"`
	PID      int             `json:"pid"`
	Caps     map[string]bool `json:"capabilities"`
}

// CommandMessage contains the unit of work.
type CommandMessage struct {
	ID       string            `json:"id"`
	Type     CommandType       `json:"type"`
	Timeout  int               `json:"timeout"` // seconds
	Params   json.RawMessage   `json:"params"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventMessage carries one line of output.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Stream    string `json:"stream,omitempty"`
	Message   string `json:"message"`
}

// DoneMessage indicates successful command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the command failed.
type ErrorMessage struct {
	CommandID string            `json:"command_id,omitempty"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// ScriptRef is one script of a script.run command.
type ScriptRef struct {
	Path           string `json:"path"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
}

// ScriptRunParams is the unit of work of a script.run command. Scripts run
// in order and the first failure stops the group.
type ScriptRunParams struct {
	RequestID        int64          `json:"request_id"`
	ResultID         int64          `json:"result_id"`
	CompatibilityKey string         `json:"compatibility_key"`
	ScriptRoot       string         `json:"script_root"`
	Scripts          []ScriptRef    `json:"scripts"`
	Properties       map[string]any `json:"properties,omitempty"`
	Environment      string         `json:"environment"`
	Production       bool           `json:"production"`
	Interpreter      string         `json:"interpreter,omitempty"` // defaults to /bin/sh
}

// ScriptOutcome reports one executed script.
type ScriptOutcome struct {
	Path     string  `json:"path"`
	ExitCode int     `json:"exit_code"`
	Duration float64 `json:"duration"`
}

// ScriptRunResult is the result of a script.run command.
type ScriptRunResult struct {
	Scripts []ScriptOutcome `json:"scripts"`
}

// PlanParams is the unit of work of plan.create and plan.apply.
type PlanParams struct {
	RequestID   int64           `json:"request_id"`
	ResultID    int64           `json:"result_id"`
	Component   string          `json:"component"`
	Provider    string          `json:"provider"` // manifest path
	ScriptRoot  string          `json:"script_root,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
	Environment string          `json:"environment"`
	Production  bool            `json:"production"`

	// ArtifactDir is where plan.create writes the artifact.
	ArtifactDir string `json:"artifact_dir,omitempty"`

	// Artifact is the plan plan.apply applies.
	Artifact string `json:"artifact,omitempty"`
}

// PlanResult is the result of plan.create and plan.apply.
type PlanResult struct {
	Artifact string `json:"artifact,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Changes  int    `json:"changes"`
	Summary  string `json:"summary,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	switch ct {
	case CommandTypeScriptRun, CommandTypePlanCreate, CommandTypePlanApply:
		return nil
	default:
		return fmt.Errorf("invalid command type: %s", ct)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks a script.run unit of work.
func (p *ScriptRunParams) Validate() error {
	if len(p.Scripts) == 0 {
		return fmt.Errorf("at least one script is required")
	}
	for i, s := range p.Scripts {
		if s.Path == "" {
			return fmt.Errorf("script %d has no path", i)
		}
	}
	return nil
}

// Validate checks a plan unit of work for the given command.
func (p *PlanParams) Validate(ct CommandType) error {
	if p.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	switch ct {
	case CommandTypePlanCreate:
		if p.ArtifactDir == "" {
			return fmt.Errorf("artifact dir is required")
		}
	case CommandTypePlanApply:
		if p.Artifact == "" {
			return fmt.Errorf("artifact is required")
		}
	default:
		return fmt.Errorf("%s is not a plan command", ct)
	}
	return nil
}
