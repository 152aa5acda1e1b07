package subprocess

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSpawn_EnvironmentIncludesWorkdirAndJobID(t *testing.T) {
	dir := t.TempDir()
	c, err := Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "printenv MCPO_WORKDIR; printenv MCPO_JOB_ID; sleep 5"},
		Dir:     dir,
		JobID:   "job-xyz",
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Terminate(time.Second, time.Second)

	line1, err := c.stdout.ReadString('\n')
	if err != nil {
		t.Fatalf("read MCPO_WORKDIR: %v", err)
	}
	if got := trimNL(line1); got != dir {
		t.Errorf("MCPO_WORKDIR = %q, want %q", got, dir)
	}

	line2, err := c.stdout.ReadString('\n')
	if err != nil {
		t.Fatalf("read MCPO_JOB_ID: %v", err)
	}
	if got := trimNL(line2); got != "job-xyz" {
		t.Errorf("MCPO_JOB_ID = %q, want job-xyz", got)
	}
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestExchange_NotificationDoesNotWaitForResponse(t *testing.T) {
	dir := t.TempDir()
	c, err := Spawn(Spec{Command: "cat", Dir: dir, JobID: "job-1"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Terminate(time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Exchange(ctx, []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %v, want nil for a notification", resp)
	}
}

func TestSpawn_FailsFastOnImmediateExit(t *testing.T) {
	_, err := Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "echo boom 1>&2; exit 1"},
		Dir:     t.TempDir(),
		JobID:   "job-3",
	}, nil)
	if err == nil {
		t.Fatalf("expected a startup failure for a child that exits immediately")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not include stderr tail", err.Error())
	}
}

func TestExchange_EmptyResponseSynthesizesInternalError(t *testing.T) {
	dir := t.TempDir()
	// A bare echo writes only a newline, so the next stdout line is
	// empty; sleeping keeps the process alive past the startup window
	// first.
	c, err := Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 0.2; echo"},
		Dir:     dir,
		JobID:   "job-4",
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Terminate(time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Exchange(ctx, []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	var envelope struct {
		ID    int `json:"id"`
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    string `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		t.Fatalf("decode synthesized envelope: %v", err)
	}
	if envelope.ID != 7 {
		t.Errorf("id = %d, want 7", envelope.ID)
	}
	if envelope.Error.Code != -32603 {
		t.Errorf("code = %d, want -32603", envelope.Error.Code)
	}
	if envelope.Error.Data != "No response from MCP server" {
		t.Errorf("data = %q", envelope.Error.Data)
	}
}

func TestExchange_UnparsableResponseSynthesizesParseError(t *testing.T) {
	dir := t.TempDir()
	c, err := Spawn(Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 0.2; while read line; do echo 'not json at all'; done"},
		Dir:     dir,
		JobID:   "job-5",
	}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Terminate(time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Exchange(ctx, []byte(`{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	var envelope struct {
		ID    string `json:"id"`
		Error struct {
			Code int    `json:"code"`
			Data string `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		t.Fatalf("decode synthesized envelope: %v", err)
	}
	if envelope.ID != "abc" {
		t.Errorf("id = %q, want abc", envelope.ID)
	}
	if envelope.Error.Code != -32700 {
		t.Errorf("code = %d, want -32700", envelope.Error.Code)
	}
	if envelope.Error.Data != "not json at all" {
		t.Errorf("data = %q", envelope.Error.Data)
	}
}

func TestTerminate_KillsUnresponsiveChild(t *testing.T) {
	c, err := Spawn(Spec{Command: "sleep", Args: []string{"30"}, Dir: t.TempDir(), JobID: "job-2"}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	c.Terminate(50*time.Millisecond, 50*time.Millisecond)

	proc, err := os.FindProcess(c.Pid())
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		t.Errorf("process %d still alive after Terminate", c.Pid())
	}
}
