package controller

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ethan516/trawl/internal/protocol"
)

// ErrFileNotFound is returned for names that are not in the store.
var ErrFileNotFound = errors.New("file not found")

// CollectedFile is a file copied from the agent together with where it came
// from and why it was flagged.
type CollectedFile struct {
	// Filename is the unique key within the store.
	Filename string
	// Content is the base64 file content as received.
	Content      string
	OriginalPath string
	Reason       protocol.Reason
	Detail       string
	Timestamp    time.Time
	// Checksum is the hex BLAKE3-256 of the decoded content.
	Checksum string
	Size     int

	data []byte
}

// Store keeps collected files for the lifetime of the controller process.
// Keys are never reused.
type Store struct {
	mu    sync.Mutex
	files map[string]CollectedFile
	order []string
	now   func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		files: make(map[string]CollectedFile),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add stores the content attached to f under a key derived from the base
// name of its path. Findings without content are rejected.
func (s *Store) Add(f protocol.Finding) (CollectedFile, error) {
	if f.FileContent == "" {
		return CollectedFile{}, fmt.Errorf("finding for %s carries no content", f.Path)
	}
	data, err := base64.StdEncoding.DecodeString(f.FileContent)
	if err != nil {
		return CollectedFile{}, fmt.Errorf("decode content of %s: %w", f.Path, err)
	}
	sum := blake3.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	file := CollectedFile{
		Filename:     s.uniqueName(baseName(f.Path)),
		Content:      f.FileContent,
		OriginalPath: f.Path,
		Reason:       f.Reason,
		Detail:       f.Detail,
		Timestamp:    s.now(),
		Checksum:     hex.EncodeToString(sum[:]),
		Size:         len(data),
		data:         data,
	}
	s.files[file.Filename] = file
	s.order = append(s.order, file.Filename)
	return file, nil
}

// Get returns the file stored under name.
func (s *Store) Get(name string) (CollectedFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[name]
	return f, ok
}

// List returns stored files in insertion order.
func (s *Store) List() []CollectedFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CollectedFile, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.files[name])
	}
	return out
}

// Len returns the number of stored files.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Extract writes the decoded content of name into dir, creating dir if
// needed, and returns the path written.
func (s *Store) Extract(name, dir string) (string, error) {
	f, ok := s.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create extract directory: %w", err)
	}
	out := filepath.Join(dir, f.Filename)
	if err := os.WriteFile(out, f.data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}

// uniqueName returns name, or name with _1, _2, ... inserted before its
// extension when name is taken. Callers hold s.mu.
func (s *Store) uniqueName(name string) string {
	if _, taken := s.files[name]; !taken {
		return name
	}
	stem, ext := splitExt(name)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if _, taken := s.files[candidate]; !taken {
			return candidate
		}
	}
}

// baseName returns the last element of an agent path. Both separators are
// accepted since the agent may run on another OS.
func baseName(path string) string {
	path = strings.TrimRight(path, `/\`)
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		path = path[i+1:]
	}
	if path == "" || path == "." || path == ".." {
		return "unnamed"
	}
	return path
}

// splitExt splits name before its last dot. Leading dots belong to the stem,
// so ".env" has no extension.
func splitExt(name string) (stem, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || strings.Trim(name[:i], ".") == "" {
		return name, ""
	}
	return name[:i], name[i:]
}
