// Package agentident builds and parses worker agent session identities:
// "atelier/<role>/<agent-type>/p<pid>-t<token>" strings used to tag bead
// assignees and claim labels, and to detect stale assignments left behind by
// a worker process that died without cleaning up after itself.
package agentident

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"syscall"

	"github.com/google/uuid"
)

// Identity is a single worker agent's session identity.
type Identity struct {
	Role      string
	AgentType string
	PID       int
	Token     string
}

// FamilyPrefix is the stable portion of an identity shared by every session
// of the same role and agent type, used to recognize "this is one of ours,
// just an older session" during stale-assignment reclaim.
func (id Identity) FamilyPrefix() string {
	return fmt.Sprintf("atelier/%s/%s", id.Role, id.AgentType)
}

// String renders the full session key.
func (id Identity) String() string {
	return fmt.Sprintf("%s/p%d-t%s", id.FamilyPrefix(), id.PID, id.Token)
}

// New builds a fresh identity for the current process, generating a random
// token so two workers started in the same second never collide.
func New(role, agentType string) Identity {
	return Identity{
		Role:      role,
		AgentType: agentType,
		PID:       os.Getpid(),
		Token:     uuid.NewString()[:8],
	}
}

var sessionKeyPattern = regexp.MustCompile(`^atelier/([^/]+)/([^/]+)/p(\d+)-t([0-9a-fA-F]+)$`)

// Parse decodes a session key string back into an Identity. Returns false
// when the string doesn't match the expected shape (e.g. it's a plain
// username, not a worker session key).
func Parse(sessionKey string) (Identity, bool) {
	m := sessionKeyPattern.FindStringSubmatch(sessionKey)
	if m == nil {
		return Identity{}, false
	}
	pid, err := strconv.Atoi(m[3])
	if err != nil {
		return Identity{}, false
	}
	return Identity{Role: m[1], AgentType: m[2], PID: pid, Token: m[4]}, true
}

// FamilyPrefixOf returns the family prefix for sessionKey, or "" if it
// doesn't parse as a worker session key.
func FamilyPrefixOf(sessionKey string) string {
	id, ok := Parse(sessionKey)
	if !ok {
		return ""
	}
	return id.FamilyPrefix()
}

// ProcessAlive reports whether a process with the given PID is currently
// running. On POSIX systems FindProcess never fails, so liveness is tested
// with signal 0 — this sends no actual signal, it only probes for
// existence/permission.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// IsStaleAssignment reports whether sessionKey names a worker of the given
// family prefix whose process is no longer alive — the condition under
// which a new worker of the same family may reclaim its assignment.
func IsStaleAssignment(sessionKey, wantFamilyPrefix string) bool {
	id, ok := Parse(sessionKey)
	if !ok {
		return false
	}
	if id.FamilyPrefix() != wantFamilyPrefix {
		return false
	}
	return !ProcessAlive(id.PID)
}
