// Package beads wraps the "bd" ticket-store CLI the same way the ticket
// boundary is wrapped in the reference worker supervisor: an exec.Command
// shim that captures stdout/stderr separately, classifies only the handful
// of stderr patterns that change control flow (not-found, not-installed),
// and otherwise forwards raw output untouched.
package beads

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Common errors. Only errors that don't require further stderr parsing are
// defined here — everything else is surfaced as raw wrapped output so a
// caller (or the agent it is driving) can read the actual message rather
// than a decision made on its behalf.
var (
	ErrNotInstalled = errors.New("bd not installed: see https://github.com/steveyegge/beads")
	ErrNotFound     = errors.New("issue not found")
	ErrFlagTitle    = errors.New("title looks like a CLI flag (starts with '-'); pass --title=\"...\" to set flag-like titles intentionally")
)

// IsFlagLikeTitle reports whether a title looks like an accidentally
// consumed CLI flag (e.g. "--help", "-v") rather than an intentional title.
// Titles containing spaces are never flag-like.
func IsFlagLikeTitle(title string) bool {
	if !strings.HasPrefix(title, "-") {
		return false
	}
	return !strings.Contains(title, " ")
}

// Issue represents a beads issue.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Type        string   `json:"issue_type"`
	CreatedAt   string   `json:"created_at"`
	CreatedBy   string   `json:"created_by,omitempty"`
	UpdatedAt   string   `json:"updated_at"`
	ClosedAt    string   `json:"closed_at,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	Children    []string `json:"children,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Blocks      []string `json:"blocks,omitempty"`
	BlockedBy   []string `json:"blocked_by,omitempty"`
	Labels      []string `json:"labels,omitempty"`

	DependencyCount int        `json:"dependency_count,omitempty"`
	DependentCount  int        `json:"dependent_count,omitempty"`
	BlockedByCount  int        `json:"blocked_by_count,omitempty"`
	Dependencies    []IssueDep `json:"dependencies,omitempty"`
	Dependents      []IssueDep `json:"dependents,omitempty"`
}

// HasLabel reports whether an issue carries a specific label.
func HasLabel(issue *Issue, label string) bool {
	for _, l := range issue.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasAnyChildren reports whether the issue has any children at all; the
// children's types are not inspected. Graph-shape-derived, never stored:
// the lifecycle package treats leaf work nodes as changesets.
func (issue *Issue) HasAnyChildren() bool {
	return len(issue.Children) > 0
}

// IssueDep represents a dependency or dependent issue with its relation.
type IssueDep struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Priority       int    `json:"priority"`
	Type           string `json:"issue_type"`
	DependencyType string `json:"dependency_type,omitempty"`
}

// ListOptions specifies filters for listing issues.
type ListOptions struct {
	Status     string
	Label      string
	Priority   int
	Parent     string
	Assignee   string
	NoAssignee bool
}

// CreateOptions specifies fields for issue creation.
type CreateOptions struct {
	Title       string
	Type        string
	Priority    int
	Description string
	Parent      string
	Labels      []string
	Actor       string
}

// UpdateOptions specifies fields to update; nil fields are left unchanged.
type UpdateOptions struct {
	Title        *string
	Status       *string
	Priority     *int
	Description  *string
	Assignee     *string
	AppendNotes  *string
	SetLabels    []string
	AddLabels    []string
	RemoveLabels []string
}

// Store wraps the bd CLI for a single repository working directory.
type Store struct {
	workDir  string
	beadsDir string
	isolated bool
}

// New creates a Store rooted at workDir, resolving the beads directory from
// its repository layout.
func New(workDir string) *Store {
	return &Store{workDir: workDir}
}

// NewIsolated creates a Store for test isolation: inherited beads
// environment variables (BD_ACTOR, BEADS_*) are suppressed so tests never
// accidentally route to a real database.
func NewIsolated(workDir string) *Store {
	return &Store{workDir: workDir, isolated: true}
}

// NewWithBeadsDir creates a Store with an explicit beads directory override.
func NewWithBeadsDir(workDir, beadsDir string) *Store {
	return &Store{workDir: workDir, beadsDir: beadsDir}
}

func (s *Store) getActor() string {
	if s.isolated {
		return ""
	}
	return os.Getenv("BD_ACTOR")
}

func (s *Store) resolvedBeadsDir() string {
	if s.beadsDir != "" {
		return s.beadsDir
	}
	return ResolveBeadsDir(s.workDir)
}

// ResolveBeadsDir walks up from workDir looking for a ".beads" directory,
// falling back to "<workDir>/.beads" when none is found.
func ResolveBeadsDir(workDir string) string {
	dir := workDir
	for {
		candidate := filepath.Join(dir, ".beads")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Join(workDir, ".beads")
}

// Init initializes a new beads database in the working directory.
func (s *Store) Init(prefix string) error {
	_, err := s.run("init", "--prefix", prefix, "--quiet")
	return err
}

func (s *Store) run(args ...string) ([]byte, error) {
	fullArgs := append([]string{"--allow-stale"}, args...)

	beadsDir := s.beadsDir
	if beadsDir == "" {
		beadsDir = ResolveBeadsDir(s.workDir)
	}

	isInit := len(args) > 0 && args[0] == "init"
	if s.isolated && !isInit {
		beadsDB := filepath.Join(beadsDir, "beads.db")
		fullArgs = append([]string{"--db", beadsDB}, fullArgs...)
	}

	cmd := exec.Command("bd", fullArgs...) //nolint:gosec // bd is a trusted internal tool
	cmd.Dir = s.workDir

	var env []string
	if s.isolated {
		env = filterBeadsEnv(os.Environ())
	} else {
		for _, e := range os.Environ() {
			if !strings.HasPrefix(e, "BEADS_DIR=") {
				env = append(env, e)
			}
		}
	}
	cmd.Env = append(env, "BEADS_DIR="+beadsDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, s.wrapError(err, stderr.String(), args)
	}

	if stdout.Len() == 0 && stderr.Len() > 0 {
		return nil, s.wrapError(fmt.Errorf("command produced no output"), stderr.String(), args)
	}

	return stdout.Bytes(), nil
}

// Run executes an arbitrary bd command and returns stdout, for callers that
// need subcommands this wrapper does not expose a typed method for.
func (s *Store) Run(args ...string) ([]byte, error) {
	return s.run(args...)
}

func (s *Store) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return ErrNotInstalled
	}

	if strings.Contains(stderr, "not found") || strings.Contains(stderr, "Issue not found") ||
		strings.Contains(stderr, "no issue found") {
		return ErrNotFound
	}

	if stderr != "" {
		return fmt.Errorf("bd %s: %s", strings.Join(args, " "), stderr)
	}
	return fmt.Errorf("bd %s: %w", strings.Join(args, " "), err)
}

func filterBeadsEnv(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, env := range environ {
		if strings.HasPrefix(env, "BD_ACTOR=") || strings.HasPrefix(env, "BEADS_") {
			continue
		}
		filtered = append(filtered, env)
	}
	return filtered
}

// List returns issues matching the given options.
func (s *Store) List(opts ListOptions) ([]*Issue, error) {
	args := []string{"list", "--json"}
	if opts.Status != "" {
		args = append(args, "--status="+opts.Status)
	}
	if opts.Label != "" {
		args = append(args, "--label="+opts.Label)
	}
	if opts.Priority >= 0 {
		args = append(args, fmt.Sprintf("--priority=%d", opts.Priority))
	}
	if opts.Parent != "" {
		args = append(args, "--parent="+opts.Parent)
	}
	if opts.Assignee != "" {
		args = append(args, "--assignee="+opts.Assignee)
	}
	if opts.NoAssignee {
		args = append(args, "--no-assignee")
	}

	out, err := s.run(args...)
	if err != nil {
		return nil, err
	}
	var issues []*Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing bd list output: %w", err)
	}
	return issues, nil
}

// Show fetches a single issue by ID.
func (s *Store) Show(id string) (*Issue, error) {
	out, err := s.run("show", id, "--json")
	if err != nil {
		return nil, err
	}
	var issues []*Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing bd show output: %w", err)
	}
	if len(issues) == 0 {
		return nil, ErrNotFound
	}
	return issues[0], nil
}

// ShowMultiple fetches multiple issues by ID in a single bd call. Missing IDs
// are simply absent from the result map.
func (s *Store) ShowMultiple(ids []string) (map[string]*Issue, error) {
	if len(ids) == 0 {
		return map[string]*Issue{}, nil
	}
	args := append([]string{"show", "--json"}, ids...)
	out, err := s.run(args...)
	if err != nil {
		return nil, err
	}
	var issues []*Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing bd show output: %w", err)
	}
	result := make(map[string]*Issue, len(issues))
	for _, issue := range issues {
		result[issue.ID] = issue
	}
	return result, nil
}

// Ready returns issues with no unsatisfied dependency blockers.
func (s *Store) Ready() ([]*Issue, error) {
	out, err := s.run("ready", "--json")
	if err != nil {
		return nil, err
	}
	var issues []*Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing bd ready output: %w", err)
	}
	return issues, nil
}

// Blocked returns issues blocked by unsatisfied dependencies.
func (s *Store) Blocked() ([]*Issue, error) {
	out, err := s.run("blocked", "--json")
	if err != nil {
		return nil, err
	}
	var issues []*Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing bd blocked output: %w", err)
	}
	return issues, nil
}

// Create creates a new issue and returns it.
func (s *Store) Create(opts CreateOptions) (*Issue, error) {
	if IsFlagLikeTitle(opts.Title) {
		return nil, fmt.Errorf("refusing to create bead: %w (got %q)", ErrFlagTitle, opts.Title)
	}
	args := []string{"create", "--json"}
	if opts.Title != "" {
		args = append(args, "--title="+opts.Title)
	}
	if opts.Type != "" {
		args = append(args, "--type="+opts.Type)
	}
	for _, label := range opts.Labels {
		args = append(args, "--labels="+label)
	}
	args = append(args, fmt.Sprintf("--priority=%d", opts.Priority))
	if opts.Description != "" {
		args = append(args, "--description="+opts.Description)
	}
	if opts.Parent != "" {
		args = append(args, "--parent="+opts.Parent)
	}
	actor := opts.Actor
	if actor == "" {
		actor = s.getActor()
	}
	if actor != "" {
		args = append(args, "--actor="+actor)
	}

	out, err := s.run(args...)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parsing bd create output: %w", err)
	}
	return &issue, nil
}

// CreateWithID creates an issue with a caller-specified ID, for deterministic
// identities such as agent beads.
func (s *Store) CreateWithID(id string, opts CreateOptions) (*Issue, error) {
	if IsFlagLikeTitle(opts.Title) {
		return nil, fmt.Errorf("refusing to create bead: %w (got %q)", ErrFlagTitle, opts.Title)
	}
	args := []string{"create", "--json", "--id=" + id}
	if opts.Title != "" {
		args = append(args, "--title="+opts.Title)
	}
	if opts.Type != "" {
		args = append(args, "--type="+opts.Type)
	}
	for _, label := range opts.Labels {
		args = append(args, "--labels="+label)
	}
	args = append(args, fmt.Sprintf("--priority=%d", opts.Priority))
	if opts.Description != "" {
		args = append(args, "--description="+opts.Description)
	}
	if opts.Parent != "" {
		args = append(args, "--parent="+opts.Parent)
	}
	actor := opts.Actor
	if actor == "" {
		actor = s.getActor()
	}
	if actor != "" {
		args = append(args, "--actor="+actor)
	}

	out, err := s.run(args...)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parsing bd create output: %w", err)
	}
	return &issue, nil
}

// Update applies a partial update to an issue.
func (s *Store) Update(id string, opts UpdateOptions) error {
	args := []string{"update", id}
	if opts.Title != nil {
		args = append(args, "--title="+*opts.Title)
	}
	if opts.Status != nil {
		args = append(args, "--status="+*opts.Status)
	}
	if opts.Priority != nil {
		args = append(args, fmt.Sprintf("--priority=%d", *opts.Priority))
	}
	if opts.Description != nil {
		args = append(args, "--description="+*opts.Description)
	}
	if opts.Assignee != nil {
		args = append(args, "--assignee="+*opts.Assignee)
	}
	if opts.AppendNotes != nil {
		args = append(args, "--append-notes="+*opts.AppendNotes)
	}
	if len(opts.SetLabels) > 0 {
		for _, label := range opts.SetLabels {
			args = append(args, "--set-labels="+label)
		}
	} else {
		for _, label := range opts.AddLabels {
			args = append(args, "--add-label="+label)
		}
		for _, label := range opts.RemoveLabels {
			args = append(args, "--remove-label="+label)
		}
	}
	_, err := s.run(args...)
	return err
}

// Close closes one or more issues.
func (s *Store) Close(ids ...string) error {
	return s.CloseWithReason("", ids...)
}

// CloseWithReason closes one or more issues with an audit-trail reason.
func (s *Store) CloseWithReason(reason string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]string{"close"}, ids...)
	if reason != "" {
		args = append(args, "--reason="+reason)
	}
	_, err := s.run(args...)
	return err
}

// AddDependency records a dependency edge from issue -> dependsOn.
func (s *Store) AddDependency(issue, dependsOn string) error {
	_, err := s.run("dep", "add", issue, dependsOn)
	return err
}

// IsBeadsRepo reports whether the working directory is backed by a beads
// database.
func (s *Store) IsBeadsRepo() bool {
	info, err := os.Stat(s.resolvedBeadsDir())
	return err == nil && info.IsDir()
}
