// Package instance keeps a single agent running per machine using a PID
// lock file.
package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writeGrace is how long an unreadable lock file is assumed to belong to an
// agent that is still starting up.
const writeGrace = 5 * time.Second

// ErrRunning is returned by Acquire when a live process already holds the
// lock.
var ErrRunning = errors.New("another agent is already running")

// Owner is the content of the lock file.
type Owner struct {
	PID            int       `json:"pid"`
	ControllerAddr string    `json:"controller_addr,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// Lock is a held lock file.
type Lock struct {
	path string
	pid  int
}

// DefaultPath is the lock file used when none is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "trawl-agent.lock")
}

// Acquire takes the lock at path for owner. A lock file left behind by a
// process that is no longer running is replaced.
func Acquire(path string, owner Owner) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := create(path, owner)
		if err == nil {
			return &Lock{path: path, pid: owner.PID}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file %s: %w", path, err)
		}

		existing, err := read(path)
		switch {
		case err == nil && existing.PID != owner.PID && processRunning(existing.PID):
			return nil, fmt.Errorf("%w (pid %d, controller %s)", ErrRunning, existing.PID, existing.ControllerAddr)
		case err != nil && recentlyModified(path):
			return nil, fmt.Errorf("%w (lock file %s is unreadable: %v)", ErrRunning, path, err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock file %s: %w", path, err)
		}
	}
	return nil, fmt.Errorf("acquire lock file %s: lost race with another agent", path)
}

// Release removes the lock file if it still belongs to this lock.
func (l *Lock) Release() error {
	owner, err := read(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if owner.PID != l.pid {
		return fmt.Errorf("lock file %s owned by pid %d", l.path, owner.PID)
	}
	return os.Remove(l.path)
}

// create writes owner to a temporary file and links it into place, so path
// is either absent or complete.
func create(path string, owner Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

func recentlyModified(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && time.Since(fi.ModTime()) < writeGrace
}

func read(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("decode lock file %s: %w", path, err)
	}
	return owner, nil
}
