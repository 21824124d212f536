package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/run"
)

// Command executes a task's argv as a subprocess. Each process runs in
// its own process group so that cancellation and shutdown can kill the
// whole tree, and both output pipes are drained concurrently so a chatty
// action can never deadlock against a full pipe buffer.
//
// The execution context travels to the action through the environment:
// CONVEYOR_RUN_ID, CONVEYOR_PIPELINE, CONVEYOR_TASK, CONVEYOR_ATTEMPT,
// CONVEYOR_LOGICAL_TIME, CONVEYOR_PARAM_<NAME> per parameter, and
// CONVEYOR_UPSTREAM as a JSON object of upstream outputs. The last line
// of stdout comes back as the attempt's "output" value.
type Command struct {
	pm *ProcessManager
}

// NewCommand returns a subprocess executor whose processes are tracked by
// the given manager.
func NewCommand(pm *ProcessManager) *Command {
	return &Command{pm: pm}
}

// Execute runs the task's command and waits for it within ctx.
func (c *Command) Execute(ctx context.Context, task dag.Task, rc run.Context) (run.Values, error) {
	argv := task.Action.Command
	if len(argv) == 0 {
		return nil, fmt.Errorf("task %q has no command", task.Name)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group, killable as a tree
	}
	// On cancellation the whole group dies, not just the direct child.
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}

	env, err := contextEnv(rc)
	if err != nil {
		return nil, err
	}
	cmd.Env = append(os.Environ(), env...)

	stdout, _, err := c.runCommand(cmd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("task %q command interrupted: %w", task.Name, ctxErr)
		}
		return nil, fmt.Errorf("task %q: %w", task.Name, err)
	}

	values := run.Values{}
	if line := lastLine(stdout); line != "" {
		values["output"] = line
	}
	return values, nil
}

// runCommand starts the process and drains stdout and stderr concurrently
// before calling Wait, so pipes are never left full.
func (c *Command) runCommand(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	c.pm.Track(cmd)
	defer c.pm.Untrack(cmd)

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.TrimSpace(string(stderr)))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

func contextEnv(rc run.Context) ([]string, error) {
	env := []string{
		"CONVEYOR_RUN_ID=" + rc.RunID,
		"CONVEYOR_PIPELINE=" + rc.Pipeline,
		"CONVEYOR_TASK=" + rc.Task,
		"CONVEYOR_ATTEMPT=" + strconv.Itoa(rc.Attempt),
	}
	if !rc.LogicalTime.IsZero() {
		env = append(env, "CONVEYOR_LOGICAL_TIME="+rc.LogicalTime.UTC().Format(time.RFC3339))
	}
	for name, value := range rc.Params {
		env = append(env, "CONVEYOR_PARAM_"+envKey(name)+"="+value)
	}
	if len(rc.Upstream) > 0 {
		raw, err := json.Marshal(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("failed to encode upstream values: %w", err)
		}
		env = append(env, "CONVEYOR_UPSTREAM="+string(raw))
	}
	return env, nil
}

func envKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func lastLine(out []byte) string {
	trimmed := strings.TrimRight(string(out), "\r\n \t")
	if trimmed == "" {
		return ""
	}
	if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSpace(trimmed)
}
