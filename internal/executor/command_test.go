package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/dag"
	"github.com/conveyorhq/conveyor/internal/run"
)

func commandTask(name string, argv ...string) dag.Task {
	return dag.Task{
		Name:   name,
		Action: dag.Action{Kind: "command", Command: argv},
	}
}

func TestCommandCapturesLastStdoutLine(t *testing.T) {
	c := NewCommand(NewProcessManager())

	task := commandTask("ingest", "sh", "-c", "echo loading; echo rows=120")
	values, err := c.Execute(context.Background(), task, run.Context{Task: "ingest"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if values["output"] != "rows=120" {
		t.Errorf("values[output] = %q, want %q", values["output"], "rows=120")
	}
}

func TestCommandEnvironmentCarriesContext(t *testing.T) {
	c := NewCommand(NewProcessManager())

	rc := run.Context{
		RunID:       "run-1",
		Pipeline:    "etl",
		Task:        "transform",
		Attempt:     2,
		LogicalTime: time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC),
		Params:      map[string]string{"target-schema": "analytics"},
		Upstream:    map[string]run.Values{"ingest": {"rows": "120"}},
	}
	task := commandTask("transform", "sh", "-c",
		`echo "$CONVEYOR_RUN_ID/$CONVEYOR_PIPELINE/$CONVEYOR_TASK/$CONVEYOR_ATTEMPT/$CONVEYOR_PARAM_TARGET_SCHEMA"`)

	values, err := c.Execute(context.Background(), task, rc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := "run-1/etl/transform/2/analytics"
	if values["output"] != want {
		t.Errorf("values[output] = %q, want %q", values["output"], want)
	}

	task = commandTask("transform", "sh", "-c", `echo "$CONVEYOR_UPSTREAM"`)
	values, err = c.Execute(context.Background(), task, rc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(values["output"], `"rows":"120"`) {
		t.Errorf("CONVEYOR_UPSTREAM = %q, want it to carry upstream values", values["output"])
	}
}

func TestCommandFailureIncludesStderr(t *testing.T) {
	c := NewCommand(NewProcessManager())

	task := commandTask("transform", "sh", "-c", "echo table missing >&2; exit 3")
	_, err := c.Execute(context.Background(), task, run.Context{})
	if err == nil {
		t.Fatal("Execute() should fail for a non-zero exit")
	}
	if !strings.Contains(err.Error(), "table missing") {
		t.Errorf("error %q should carry stderr", err)
	}
}

func TestCommandTimeoutKillsProcess(t *testing.T) {
	pm := NewProcessManager()
	c := NewCommand(pm)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	task := commandTask("slow", "sh", "-c", "sleep 30")
	_, err := c.Execute(ctx, task, run.Context{})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Execute() should fail on timeout")
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Execute() took %v, the process group was not killed", elapsed)
	}
	if pm.Count() != 0 {
		t.Errorf("ProcessManager.Count() = %d after timeout, want 0", pm.Count())
	}
}

func TestCommandEmptyArgv(t *testing.T) {
	c := NewCommand(NewProcessManager())

	_, err := c.Execute(context.Background(), dag.Task{Name: "empty"}, run.Context{})
	if err == nil {
		t.Fatal("Execute() should fail for a task with no command")
	}
}

func TestCommandLargeOutputDoesNotDeadlock(t *testing.T) {
	c := NewCommand(NewProcessManager())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Well above the 64KB pipe buffer.
	task := commandTask("chatty", "sh", "-c", "i=0; while [ $i -lt 20000 ]; do echo line $i; i=$((i+1)); done")
	start := time.Now()
	values, err := c.Execute(ctx, task, run.Context{})
	if err != nil {
		t.Fatalf("Execute() error = %v (after %v)", err, time.Since(start))
	}
	if values["output"] != "line 19999" {
		t.Errorf("values[output] = %q, want the final line", values["output"])
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"\n", ""},
		{"one\n", "one"},
		{"one\ntwo\n", "two"},
		{"one\ntwo", "two"},
		{"one\r\ntwo\r\n", "two"},
		{"padded   \n", "padded"},
	}
	for _, tt := range tests {
		if got := lastLine([]byte(tt.in)); got != tt.want {
			t.Errorf("lastLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
