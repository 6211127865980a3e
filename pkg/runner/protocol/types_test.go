package protocol

import (
	"testing"
)

func TestMessageTypeValidate(t *testing.T) {
	for _, mt := range []MessageType{
		MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit,
	} {
		if err := mt.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", mt, err)
		}
	}
	if err := MessageType("PING").Validate(); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestCommandMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *CommandMessage
		wantErr bool
	}{
		{
			name: "valid command",
			cmd: &CommandMessage{
				ID:      "cmd-123",
				Type:    CommandTypePlanApply,
				Timeout: 30,
				Params:  []byte(`{"provider":"dns.yaml"}`),
			},
		},
		{
			name:    "missing ID",
			cmd:     &CommandMessage{Type: CommandTypeScriptRun, Timeout: 30, Params: []byte(`{}`)},
			wantErr: true,
		},
		{
			name:    "removed command type",
			cmd:     &CommandMessage{ID: "cmd-123", Type: CommandType("exec"), Timeout: 30, Params: []byte(`{}`)},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			cmd:     &CommandMessage{ID: "cmd-123", Type: CommandTypeScriptRun, Params: []byte(`{}`)},
			wantErr: true,
		},
		{
			name:    "empty params",
			cmd:     &CommandMessage{ID: "cmd-123", Type: CommandTypeScriptRun, Timeout: 30},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventMessageValidateDefaultsLevel(t *testing.T) {
	evt := &EventMessage{CommandID: "cmd-1", Message: "hello"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("level = %q, want info", evt.Level)
	}

	bad := &EventMessage{CommandID: "cmd-1", Level: "fatal"}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestPlanParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  PlanParams
		cmd     CommandType
		wantErr bool
	}{
		{name: "create", params: PlanParams{Provider: "dns.yaml", ArtifactDir: "/var/lib/deployd"}, cmd: CommandTypePlanCreate},
		{name: "create without dir", params: PlanParams{Provider: "dns.yaml"}, cmd: CommandTypePlanCreate, wantErr: true},
		{name: "apply", params: PlanParams{Provider: "dns.yaml", Artifact: "/a/plan.json"}, cmd: CommandTypePlanApply},
		{name: "apply without artifact", params: PlanParams{Provider: "dns.yaml"}, cmd: CommandTypePlanApply, wantErr: true},
		{name: "no provider", params: PlanParams{ArtifactDir: "/tmp"}, cmd: CommandTypePlanCreate, wantErr: true},
		{name: "script command", params: PlanParams{Provider: "dns.yaml"}, cmd: CommandTypeScriptRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScriptRunParamsValidate(t *testing.T) {
	if err := (&ScriptRunParams{}).Validate(); err == nil {
		t.Error("expected error for empty script list")
	}
	if err := (&ScriptRunParams{Scripts: []ScriptRef{{Path: ""}}}).Validate(); err == nil {
		t.Error("expected error for script without path")
	}
	if err := (&ScriptRunParams{Scripts: []ScriptRef{{Path: "deploy.sh"}}}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(42); got != "deploy-42" {
		t.Errorf("ChannelName(42) = %q", got)
	}
}
