package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// CommandConfig tunes the command executor.
type CommandConfig struct {
	Enabled bool
	// Shell runs the command string as `<shell> -c <run>`. Default /bin/sh.
	Shell string
	// Dir is the default working directory.
	Dir string
	// MaxOutput caps captured stdout and stderr each. Default 64 KiB.
	MaxOutput int
	// KillGrace is how long a cancelled command gets before its I/O is
	// abandoned. Default 2s.
	KillGrace time.Duration
}

type commandParams struct {
	Run string            `json:"run"`
	Dir string            `json:"dir"`
	Env map[string]string `json:"env"`
}

// CommandResult is the JSON result of a command task.
type CommandResult struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	TookMS    int64  `json:"took_ms"`
}

// Command runs a shell command from the task params. A non-zero exit is a
// retryable error; exit codes 126 and 127 (not executable, not found) are
// fatal.
type Command struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) *Command {
	if strings.TrimSpace(cfg.Shell) == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 << 10
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &Command{cfg: cfg, log: log}
}

func (c *Command) Execute(ctx context.Context, d task.Descriptor) (json.RawMessage, error) {
	var p commandParams
	if err := json.Unmarshal(d.Params, &p); err != nil {
		return nil, task.Fatal(fmt.Errorf("command params: %w", err))
	}
	if strings.TrimSpace(p.Run) == "" {
		return nil, task.Fatal(errors.New("command params: run is required"))
	}

	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", p.Run)
	cmd.Dir = c.cfg.Dir
	if p.Dir != "" {
		cmd.Dir = p.Dir
	}
	if len(p.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(p.Env)...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = c.cfg.KillGrace

	stdout := &cappedBuffer{max: c.cfg.MaxOutput}
	stderr := &cappedBuffer{max: c.cfg.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		TookMS:    time.Since(start).Milliseconds(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, task.Fatal(fmt.Errorf("command start: %w", err))
		}
		res.ExitCode = exitErr.ExitCode()
		runErr := fmt.Errorf("command exited %d: %s", res.ExitCode, tail(res.Stderr, 200))
		c.log.Debug("command failed", logx.String("task", d.Name), logx.Int("exit_code", res.ExitCode), logx.Int64("took_ms", res.TookMS))
		if res.ExitCode == 126 || res.ExitCode == 127 {
			return nil, task.Fatal(runErr)
		}
		return nil, runErr
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, task.Fatal(err)
	}
	return out, nil
}

func envList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
