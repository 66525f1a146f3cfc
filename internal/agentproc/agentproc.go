// Package agentproc builds and launches the coding agent subprocess a worker
// session hands a changeset off to: argv construction differs per agent
// type, and every agent needs the same handful of environment variables so
// it (and the beads CLI it shells out to) can identify itself.
package agentproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// AgentType identifies which coding agent binary to launch.
type AgentType string

const (
	Codex   AgentType = "codex"
	Claude  AgentType = "claude"
	Gemini  AgentType = "gemini"
	Copilot AgentType = "copilot"
	Aider   AgentType = "aider"
)

// LaunchSpec describes the coding agent process to run for one changeset.
type LaunchSpec struct {
	AgentType  AgentType
	Prompt     string
	WorkDir    string
	AgentID    string
	EpicID     string
	ChangesetID string
	BeadsDir   string
	BeadsDB    string
	ActorName  string
	ExtraArgs  []string
}

// BuildArgv constructs the argv for the agent type. Codex is rewritten from
// a plain "codex <prompt>" shape into "codex exec --skip-git-repo-check
// <prompt>" so it runs non-interactively inside a worktree git doesn't
// consider canonical; any caller-supplied "--cd" flag is stripped since the
// process's cwd already pins the worktree.
func BuildArgv(spec LaunchSpec) ([]string, error) {
	args := stripCdFlag(spec.ExtraArgs)

	switch spec.AgentType {
	case Codex:
		argv := []string{"codex", "exec", "--skip-git-repo-check"}
		argv = append(argv, args...)
		argv = append(argv, spec.Prompt)
		return argv, nil
	case Claude:
		argv := []string{"claude", "--print"}
		argv = append(argv, args...)
		argv = append(argv, spec.Prompt)
		return argv, nil
	case Gemini:
		argv := []string{"gemini"}
		argv = append(argv, args...)
		argv = append(argv, spec.Prompt)
		return argv, nil
	case Copilot:
		argv := []string{"copilot", "suggest"}
		argv = append(argv, args...)
		argv = append(argv, spec.Prompt)
		return argv, nil
	case Aider:
		argv := []string{"aider", "--message", spec.Prompt}
		argv = append(argv, args...)
		return argv, nil
	default:
		return nil, fmt.Errorf("unsupported agent type %q", spec.AgentType)
	}
}

// stripCdFlag removes "--cd" and its value (or "--cd=value" form) from args,
// since the launcher always sets the subprocess's working directory
// directly rather than letting the agent change into it itself.
func stripCdFlag(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--cd" {
			i++ // skip the value too
			continue
		}
		if strings.HasPrefix(arg, "--cd=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

// Env builds the environment variables every agent subprocess needs to
// identify itself and the work item it's driving, layered on top of the
// current process environment.
func Env(spec LaunchSpec) []string {
	env := os.Environ()
	env = append(env,
		"ATELIER_AGENT_ID="+spec.AgentID,
		"BD_ACTOR="+spec.ActorName,
		"BEADS_AGENT_NAME="+spec.ActorName,
		"ATELIER_EPIC_ID="+spec.EpicID,
		"ATELIER_CHANGESET_ID="+spec.ChangesetID,
	)
	if spec.BeadsDir != "" {
		env = append(env, "BEADS_DIR="+spec.BeadsDir)
	}
	if spec.BeadsDB != "" {
		env = append(env, "BEADS_DB="+spec.BeadsDB)
	}
	return env
}

// Launch starts the agent subprocess and blocks until it exits, streaming
// its stdout/stderr through to the worker's own, and returns the process's
// exit error (nil on a clean exit).
func Launch(ctx context.Context, spec LaunchSpec) error {
	argv, err := BuildArgv(spec)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // agent binary is operator-configured
	cmd.Dir = spec.WorkDir
	cmd.Env = Env(spec)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}
