package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
)

const pythonRunner = `import importlib.util, json, sys
spec = importlib.util.spec_from_file_location("sandbox_tool", sys.argv[1])
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
res = getattr(mod, sys.argv[2])(**json.loads(sys.stdin.read() or "{}"))
if res is not None:
    print(res if isinstance(res, str) else json.dumps(res, default=str))
`

// Command builds the argv passed to the interpreter for one tool call.
type Command func(modulePath, function string) []string

// PythonCommand runs function from modulePath with keyword arguments read from stdin.
func PythonCommand(modulePath, function string) []string {
	return []string{"-c", pythonRunner, modulePath, function}
}

type ExecutorConfig struct {
	Interpreter string
	Command     Command
	WorkDir     string
	Env         []string
	// ActionTimeout is how long an action may run before its observation is
	// returned with TerminalStillRunning set. The process keeps running.
	ActionTimeout time.Duration
}

// Executor runs actions one after another and reports one observation each.
type Executor struct {
	manifest *Manifest
	cfg      ExecutorConfig
	logger   *slog.Logger

	mu         sync.Mutex
	background map[*exec.Cmd]struct{}
}

func NewExecutor(manifest *Manifest, cfg ExecutorConfig) *Executor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Command == nil {
		cfg.Command = PythonCommand
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 2 * time.Minute
	}
	return &Executor{
		manifest:   manifest,
		cfg:        cfg,
		logger:     slog.Default().With("component", "agent_executor"),
		background: make(map[*exec.Cmd]struct{}),
	}
}

// Execute runs actions in order. A failing action yields an observation
// with stderr set and does not stop the remaining ones.
func (e *Executor) Execute(ctx context.Context, actions model.ActionList) []model.Observation {
	out := make([]model.Observation, 0, len(actions))
	for _, a := range actions {
		if ctx.Err() != nil {
			out = append(out, model.Observation{Stderr: fmt.Sprintf("action %q skipped: %v", a.Name, ctx.Err())})
			continue
		}
		out = append(out, e.run(ctx, a))
	}
	return out
}

func (e *Executor) run(ctx context.Context, a model.NamedAction) model.Observation {
	tool, modulePath, ok := e.manifest.Resolve(a.Name)
	if !ok {
		return model.Observation{Stderr: fmt.Sprintf("ToolError: tool %q not found", a.Name)}
	}
	args := a.Args
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return model.Observation{Stderr: fmt.Sprintf("ToolError: invalid args for %q: %v", a.Name, err)}
	}

	cmd := exec.Command(e.cfg.Interpreter, e.cfg.Command(modulePath, tool.Name)...)
	cmd.Dir = e.cfg.WorkDir
	if len(e.cfg.Env) > 0 {
		cmd.Env = e.cfg.Env
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr lockedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the output pipes must not hold Wait open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return model.Observation{Stderr: fmt.Sprintf("ToolError: failed to start %q: %v", a.Name, err)}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(e.cfg.ActionTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		obs := model.Observation{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			obs.Stderr = appendLine(obs.Stderr, fmt.Sprintf("ToolError: %s exited with %v", a.Name, exitErr))
		} else if err != nil {
			obs.Stderr = appendLine(obs.Stderr, fmt.Sprintf("ToolError: %s failed: %v", a.Name, err))
		}
		return obs
	case <-timer.C:
		e.track(cmd, done, a.Name)
		return model.Observation{Stdout: stdout.String(), Stderr: stderr.String(), TerminalStillRunning: true}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return model.Observation{Stdout: stdout.String(), Stderr: appendLine(stderr.String(), "action cancelled: "+ctx.Err().Error())}
	}
}

func (e *Executor) track(cmd *exec.Cmd, done <-chan error, name string) {
	e.mu.Lock()
	e.background[cmd] = struct{}{}
	e.mu.Unlock()
	e.logger.Info("action still running in background", "action", name, "pid", cmd.Process.Pid)

	go func() {
		err := <-done
		e.mu.Lock()
		delete(e.background, cmd)
		e.mu.Unlock()
		e.logger.Info("background action finished", "action", name, "error", err)
	}()
}

// Running reports how many actions are still running in the background.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.background)
}

// Close kills every background action.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for cmd := range e.background {
		_ = cmd.Process.Kill()
	}
}

func appendLine(s, line string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s + line
	}
	return s + "\n" + line
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
