// Package worktree maintains the on-disk mapping from epic to worktree path
// in a single JSON file per epic, guarded by an advisory file lock so two
// worker processes racing to claim or release a worktree never corrupt it.
package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Entry is one changeset's worktree assignment within an epic.
type Entry struct {
	ChangesetID string `json:"changeset_id"`
	Path        string `json:"path"`
	Branch      string `json:"branch"`
	AgentID     string `json:"agent_id,omitempty"`
	ClaimedAt   string `json:"claimed_at,omitempty"`
}

// Mapping is the full set of worktree assignments for one epic.
type Mapping struct {
	EpicID  string  `json:"epic_id"`
	Entries []Entry `json:"entries"`
}

// Store reads and writes a per-epic worktree mapping file.
type Store struct {
	dir string
}

// New builds a Store rooted at dir, the directory mapping files are kept in
// (typically "<beadsDir>/../worktrees" or a dedicated state directory).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(epicID string) string {
	return filepath.Join(s.dir, epicID+".json")
}

func (s *Store) lockPath(epicID string) string {
	return filepath.Join(s.dir, epicID+".json.lock")
}

const lockTimeout = 10 * time.Second

// WithLock runs fn while holding an exclusive lock on the epic's mapping
// file, passing the current mapping (empty if the file doesn't exist yet).
// If fn returns a non-nil mapping, it is written back before the lock is
// released; a nil return leaves the file untouched.
func (s *Store) WithLock(epicID string, fn func(current *Mapping) (*Mapping, error)) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating worktree mapping dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(s.lockPath(epicID))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking worktree mapping for %s: %w", epicID, err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring worktree mapping lock for %s", epicID)
	}
	defer lock.Unlock()

	current, err := s.read(epicID)
	if err != nil {
		return err
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.write(epicID, updated)
}

func (s *Store) read(epicID string) (*Mapping, error) {
	data, err := os.ReadFile(s.path(epicID))
	if err != nil {
		if os.IsNotExist(err) {
			return &Mapping{EpicID: epicID}, nil
		}
		return nil, fmt.Errorf("reading worktree mapping for %s: %w", epicID, err)
	}
	var mapping Mapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing worktree mapping for %s: %w", epicID, err)
	}
	return &mapping, nil
}

func (s *Store) write(epicID string, mapping *Mapping) error {
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding worktree mapping for %s: %w", epicID, err)
	}
	tmp := s.path(epicID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing worktree mapping for %s: %w", epicID, err)
	}
	return os.Rename(tmp, s.path(epicID))
}

// Claim adds or replaces the entry for changesetID within epicID's mapping.
func (s *Store) Claim(epicID string, entry Entry) error {
	return s.WithLock(epicID, func(current *Mapping) (*Mapping, error) {
		replaced := false
		for i, e := range current.Entries {
			if e.ChangesetID == entry.ChangesetID {
				current.Entries[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			current.Entries = append(current.Entries, entry)
		}
		return current, nil
	})
}

// Release removes the entry for changesetID from epicID's mapping.
func (s *Store) Release(epicID, changesetID string) error {
	return s.WithLock(epicID, func(current *Mapping) (*Mapping, error) {
		kept := current.Entries[:0]
		for _, e := range current.Entries {
			if e.ChangesetID != changesetID {
				kept = append(kept, e)
			}
		}
		current.Entries = kept
		return current, nil
	})
}

// Lookup returns the entry for changesetID within epicID's mapping, or false
// if there is none.
func (s *Store) Lookup(epicID, changesetID string) (Entry, bool, error) {
	mapping, err := s.read(epicID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range mapping.Entries {
		if e.ChangesetID == changesetID {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// All returns every entry currently recorded for epicID.
func (s *Store) All(epicID string) ([]Entry, error) {
	mapping, err := s.read(epicID)
	if err != nil {
		return nil, err
	}
	return mapping.Entries, nil
}
