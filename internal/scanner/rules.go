package scanner

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules overrides the built-in keyword sets. Empty lists keep the defaults.
type Rules struct {
	IgnoreDirs       []string `yaml:"ignore_dirs"`
	FilenameKeywords []string `yaml:"filename_keywords"`
	ContentKeywords  []string `yaml:"content_keywords"`
}

// Apply returns cfg with every non-empty rule list replacing its default.
func (r Rules) Apply(cfg Config) Config {
	if len(r.IgnoreDirs) > 0 {
		cfg.IgnoreDirs = r.IgnoreDirs
	}
	if len(r.FilenameKeywords) > 0 {
		cfg.FilenameKeywords = r.FilenameKeywords
	}
	if len(r.ContentKeywords) > 0 {
		cfg.ContentKeywords = r.ContentKeywords
	}
	return cfg
}

// FileLoader loads Rules from a YAML file on disk.
type FileLoader struct {
	// path is the filesystem path to the rules file.
	path string
}

// NewFileLoader creates a FileLoader for path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the rules file.
func (l *FileLoader) Load(ctx context.Context) (*Rules, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", l.path, err)
	}
	return &rules, nil
}
