package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// ShellCommandPayload represents the payload for shell command actions
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    time.Duration     `json:"timeout"`
}

// ShellCommandResult is returned by a successful command
type ShellCommandResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// ShellCommandHandler handles shell command execution
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command"),
	}
}

// Execute runs the shell command. A non-zero exit status fails the run.
func (h *ShellCommandHandler) Execute(ctx context.Context, job *model.Job) (json.RawMessage, error) {
	var payload ShellCommandPayload
	if err := decodeArgs(job, &payload); err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, errors.New("command is required")
	}

	// Create command context with timeout
	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)

	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}

	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	h.logger.Info("Executing shell command",
		zap.String("job_id", job.ID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.Wrap(cmdCtx.Err(), "command execution timed out")
		}
		if out := strings.TrimSpace(string(output)); out != "" {
			return nil, errors.Wrapf(err, "command failed: %s", out)
		}
		return nil, errors.Wrap(err, "command failed")
	}

	return json.Marshal(ShellCommandResult{
		Output:   string(output),
		ExitCode: cmd.ProcessState.ExitCode(),
	})
}
