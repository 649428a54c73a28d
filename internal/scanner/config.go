package scanner

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

// Size defaults.
const (
	DefaultMaxFileSizeBytes = 5 * 1024 * 1024
	DefaultMaxCopySizeBytes = 1024 * 1024
)

// Config controls what the scanner reads and what it reports. It is copied
// into the Scanner on construction and never changed afterwards.
type Config struct {
	// MaxFileSizeBytes is the largest file whose content is scanned.
	MaxFileSizeBytes int64 `validate:"gt=0"`
	// MaxCopySizeBytes is the largest file whose content is attached to a
	// finding in copy mode.
	MaxCopySizeBytes int64 `validate:"gte=0"`
	// CopyFiles attaches base64 content to findings.
	CopyFiles bool
	// IgnoreDirs are directory base names that are never descended into.
	IgnoreDirs []string `validate:"dive,required"`
	// FilenameKeywords are matched as case-insensitive substrings of file
	// names, first match wins.
	FilenameKeywords []string `validate:"dive,required"`
	// ContentKeywords are matched case-insensitively as whole words.
	ContentKeywords []string `validate:"min=1,dive,required"`
}

var validate = validator.New()

// Validate reports configuration errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid scanner config: %w", err)
	}
	return nil
}

// DefaultConfig returns the built-in limits and keyword sets.
func DefaultConfig() Config {
	return Config{
		MaxFileSizeBytes: DefaultMaxFileSizeBytes,
		MaxCopySizeBytes: DefaultMaxCopySizeBytes,
		IgnoreDirs:       slices.Clone(defaultIgnoreDirs),
		FilenameKeywords: slices.Clone(defaultFilenameKeywords),
		ContentKeywords:  slices.Clone(defaultContentKeywords),
	}
}

var defaultIgnoreDirs = []string{
	".git",
	".hg",
	".svn",
	".idea",
	".vscode",
	"__pycache__",
	"node_modules",
	"dist",
	"build",
	"venv",
	".venv",
	".mypy_cache",
	".pytest_cache",
}

var defaultFilenameKeywords = []string{
	"password",
	"passwd",
	"pass",
	"secret",
	"secrets",
	"apikey",
	"api_key",
	"token",
	"wallet",
	"cryptowallet",
	"mnemonic",
	"private",
	"id_rsa",
	".pem",
	".p12",
	"credentials",
	".env",
	"kubeconfig",
	"ssh",
	"users",
}

var defaultContentKeywords = []string{
	"password",
	"passwd",
	"passphrase",
	"secret",
	"api_key",
	"apikey",
	"bearer",
	"token",
	"wallet",
	"cryptowallet",
	"mnemonic",
	"private key",
	"ssh-rsa",
	"BEGIN RSA PRIVATE KEY",
	"BEGIN OPENSSH PRIVATE KEY",
	"BEGIN PRIVATE KEY",
	"id_rsa",
	".pem",
	"credentials",
	"kubeconfig",
	"users",
}
