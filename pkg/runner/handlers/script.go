// Package handlers implements the commands a deploy-runner executes.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openfroyo/deployd/pkg/runner/protocol"
)

// DefaultInterpreter runs scripts that name no interpreter.
const DefaultInterpreter = "/bin/sh"

// Emitter receives output lines as they are produced.
type Emitter func(stream, line string)

// ScriptError reports a script that exited non-zero.
type ScriptError struct {
	Path     string
	ExitCode int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s exited with code %d", e.Path, e.ExitCode)
}

// ScriptHandler runs script.run commands.
type ScriptHandler struct {
	// GracePeriod is how long a script may run after SIGTERM before it is killed.
	GracePeriod time.Duration
}

// Handle runs the scripts in order and stops at the first failure.
func (h *ScriptHandler) Handle(ctx context.Context, params *protocol.ScriptRunParams, emit Emitter) (*protocol.ScriptRunResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	interpreter := params.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	env, err := scriptEnv(params)
	if err != nil {
		return nil, err
	}

	result := &protocol.ScriptRunResult{}
	for _, script := range params.Scripts {
		path, err := resolveScript(params.ScriptRoot, script.Path)
		if err != nil {
			return result, err
		}

		emit("info", fmt.Sprintf("running %s", script.Path))
		start := time.Now()
		code, err := h.run(ctx, interpreter, path, params.ScriptRoot, env, emit)
		result.Scripts = append(result.Scripts, protocol.ScriptOutcome{
			Path:     script.Path,
			ExitCode: code,
			Duration: time.Since(start).Seconds(),
		})
		if err != nil {
			return result, err
		}
		if code != 0 {
			return result, &ScriptError{Path: script.Path, ExitCode: code}
		}
	}
	return result, nil
}

func (h *ScriptHandler) run(ctx context.Context, interpreter, path, dir string, env []string, emit Emitter) (int, error) {
	cmd := exec.CommandContext(ctx, interpreter, path)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = h.GracePeriod
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	stdout := &lineWriter{stream: "stdout", emit: emit}
	stderr := &lineWriter{stream: "stderr", emit: emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", path, err)
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("failed to run %s: %w", path, err)
	}
	return 0, nil
}

// lineWriter emits every complete line written to it. Writes may come
// from the exec copy goroutines, so it is locked.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	emit   Emitter
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.stream, strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.stream, string(w.buf))
		w.buf = nil
	}
}

// resolveScript joins a script path to the root and rejects paths that escape it.
func resolveScript(root, script string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("script root is required")
	}
	root = filepath.Clean(root)
	path := filepath.Clean(filepath.Join(root, script))
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("script %s escapes the script root", script)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("script %s: %w", script, err)
	}
	return path, nil
}

// scriptEnv builds the script environment. Properties are exposed whole as
// JSON in DEPLOY_PROPERTIES and individually as DEPLOY_PROP_<NAME>.
func scriptEnv(params *protocol.ScriptRunParams) ([]string, error) {
	env := os.Environ()
	env = append(env,
		"DEPLOY_ENVIRONMENT="+params.Environment,
		"DEPLOY_PRODUCTION="+strconv.FormatBool(params.Production),
		"DEPLOY_REQUEST_ID="+strconv.FormatInt(params.RequestID, 10),
		"DEPLOY_RESULT_ID="+strconv.FormatInt(params.ResultID, 10),
		"DEPLOY_SCRIPT_ROOT="+params.ScriptRoot,
	)

	props, err := json.Marshal(params.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to encode properties: %w", err)
	}
	env = append(env, "DEPLOY_PROPERTIES="+string(props))

	keys := make([]string, 0, len(params.Properties))
	for k := range params.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "DEPLOY_PROP_"+envName(k)+"="+propertyString(params.Properties[k]))
	}
	return env, nil
}

func envName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func propertyString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
