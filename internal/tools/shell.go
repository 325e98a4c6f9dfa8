package tools

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// denyPatterns blocks obviously catastrophic commands before exec. Not a
// sandbox; the approval gate covers the rest.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*\s+)*(/|~|\$HOME)\s*$`),
	regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f|\brm\s+-[a-z]*f[a-z]*r`),
	regexp.MustCompile(`(?i)mkfs\.|dd\s+if=.*of=/dev/`),
	regexp.MustCompile(`(?i):\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`(?i)chmod\s+(-[a-z]*\s+)*777\s+/`),
}

// ExecTool runs shell commands in the workspace.
type ExecTool struct {
	WorkingDir     string
	ExecTimeoutDur time.Duration
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command and return combined output" }

func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Directory to run in (defaults to the workspace)",
			},
		},
		"required": []interface{}{"command"},
	}
}

func (t *ExecTool) Scope() []string        { return []string{ScopeShell, ScopeDestructive} }
func (t *ExecTool) RequiresApproval() bool { return false } // policy decides via scope

func (t *ExecTool) Timeout() time.Duration {
	if t.ExecTimeoutDur > 0 {
		return t.ExecTimeoutDur
	}
	return 60 * time.Second
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	for _, pat := range denyPatterns {
		if pat.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command blocked by safety filter: %s", command))
		}
	}

	dir, _ := args["working_dir"].(string)
	if dir == "" {
		dir = t.WorkingDir
	}
	if dir == "" {
		dir = WorkspaceFromCtx(ctx)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ErrorResult(fmt.Sprintf("command interrupted: %v", ctx.Err())).WithError(ctx.Err())
		}
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, out)).WithError(err)
	}
	if len(out) == 0 {
		return NewResult("(no output)")
	}
	return NewResult(string(out))
}
