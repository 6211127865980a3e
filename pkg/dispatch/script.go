package dispatch

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/deployd/pkg/engine"
	"github.com/openfroyo/deployd/pkg/runner/protocol"
	"github.com/rs/zerolog"
)

// ScriptDispatcher runs script components in worker processes. It
// implements engine.ScriptDispatcher.
type ScriptDispatcher struct {
	workers *workers
}

// NewScriptDispatcher creates a script dispatcher.
func NewScriptDispatcher(cfg Config, spawner Spawner, records ProcessRecorder, credentials CredentialSource, log zerolog.Logger, opts ...Option) *ScriptDispatcher {
	return &ScriptDispatcher{
		workers: newWorkers(cfg, spawner, records, credentials,
			log.With().Str("component", "script-dispatcher").Logger(), opts),
	}
}

// ScriptGroup is a run of consecutive scripts sharing a compatibility key.
type ScriptGroup struct {
	Key     string
	Scripts []engine.Script
}

// GroupScripts splits scripts into consecutive runs with the same
// compatibility key. Script order is preserved across groups.
func GroupScripts(scripts []engine.Script) []ScriptGroup {
	var groups []ScriptGroup
	for _, script := range scripts {
		key := script.RuntimeVersion
		if key == "" {
			key = DefaultCompatibilityKey
		}
		if n := len(groups); n > 0 && groups[n-1].Key == key {
			groups[n-1].Scripts = append(groups[n-1].Scripts, script)
			continue
		}
		groups = append(groups, ScriptGroup{Key: key, Scripts: []engine.Script{script}})
	}
	return groups
}

// Dispatch implements engine.ScriptDispatcher. Each group runs in its own
// worker; the first failing group stops the dispatch. Missing credentials
// fail the dispatch before anything is spawned.
func (d *ScriptDispatcher) Dispatch(ctx context.Context, req engine.ScriptDispatch, sink engine.LogSink) (bool, error) {
	creds, err := d.workers.resolveCredentials(ctx, req.RequestID, req.Production)
	if err != nil {
		return false, err
	}

	groups := GroupScripts(req.Scripts)
	for i, group := range groups {
		refs := make([]protocol.ScriptRef, len(group.Scripts))
		for j, s := range group.Scripts {
			refs[j] = protocol.ScriptRef{Path: s.Path, RuntimeVersion: s.RuntimeVersion}
		}

		if len(groups) > 1 {
			sink.Printf("running script group %d/%d (%s)", i+1, len(groups), group.Key)
		}
		res, err := d.workers.run(ctx, job{
			flavor:      "script",
			requestID:   req.RequestID,
			key:         group.Key,
			credentials: creds,
			command:     protocol.CommandTypeScriptRun,
			params: &protocol.ScriptRunParams{
				RequestID:        req.RequestID,
				ResultID:         req.ResultID,
				CompatibilityKey: group.Key,
				ScriptRoot:       req.ScriptRoot,
				Scripts:          refs,
				Properties:       req.Properties,
				Environment:      req.Environment,
				Production:       req.Production,
				Interpreter:      d.workers.config.Interpreter,
			},
		}, sink)
		if err != nil {
			return false, err
		}
		if !res.succeeded(sink) {
			return false, nil
		}
		logScriptOutcomes(res, sink)
	}
	return true, nil
}

func logScriptOutcomes(res *jobResult, sink engine.LogSink) {
	var result protocol.ScriptRunResult
	if err := json.Unmarshal(res.outcome.Done.Result, &result); err != nil {
		return
	}
	for _, s := range result.Scripts {
		sink.Printf("%s exited %d after %.1fs", s.Path, s.ExitCode, s.Duration)
	}
}
