// Package scanner walks a directory tree and classifies files as sensitive by
// name or by textual content.
package scanner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ethan516/trawl/internal/logger"
)

// maxContentFindings bounds content_match findings per file.
const maxContentFindings = 20

// ErrInvalidRoot is returned when the scan root is missing or is neither a
// directory nor a regular file.
var ErrInvalidRoot = errors.New("invalid scan root")

// Reason says why a file was flagged.
type Reason string

const (
	ReasonFilename Reason = "filename_match"
	ReasonContent  Reason = "content_match"
)

// Finding is one observation about one file. A file may produce a filename
// finding and several content findings.
type Finding struct {
	Path   string
	Reason Reason
	Detail string
	// FileContent is the base64 file content, set only in copy mode for
	// files no larger than the copy limit.
	FileContent string
}

// Scanner classifies files. It is safe for concurrent use.
type Scanner struct {
	cfg              Config
	ignore           map[string]struct{}
	filenameKeywords []string
	content          *regexp.Regexp

	log    *logger.Logger
	tracer trace.Tracer
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the logger used for per-file diagnostics.
func WithLogger(l *logger.Logger) Option {
	return func(s *Scanner) { s.log = l.With("component", "scanner") }
}

// WithTracer sets the tracer used for scan spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scanner) { s.tracer = t }
}

// New validates cfg and compiles the content pattern.
func New(cfg Config, opts ...Option) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	escaped := make([]string, 0, len(cfg.ContentKeywords))
	for _, k := range cfg.ContentKeywords {
		escaped = append(escaped, regexp.QuoteMeta(k))
	}
	content, err := regexp.Compile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("compile content pattern: %w", err)
	}

	s := &Scanner{
		cfg:              cloneConfig(cfg),
		ignore:           make(map[string]struct{}, len(cfg.IgnoreDirs)),
		filenameKeywords: make([]string, 0, len(cfg.FilenameKeywords)),
		content:          content,
		log:              logger.Noop(),
		tracer:           noop.NewTracerProvider().Tracer("scanner"),
	}
	for _, d := range cfg.IgnoreDirs {
		s.ignore[d] = struct{}{}
	}
	for _, k := range cfg.FilenameKeywords {
		s.filenameKeywords = append(s.filenameKeywords, strings.ToLower(k))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func cloneConfig(cfg Config) Config {
	cfg.IgnoreDirs = append([]string(nil), cfg.IgnoreDirs...)
	cfg.FilenameKeywords = append([]string(nil), cfg.FilenameKeywords...)
	cfg.ContentKeywords = append([]string(nil), cfg.ContentKeywords...)
	return cfg
}

// Config returns a copy of the scanner's configuration.
func (s *Scanner) Config() Config { return cloneConfig(s.cfg) }

// WithCopy returns a scanner sharing s's compiled rules with copy mode set to
// enabled.
func (s *Scanner) WithCopy(enabled bool) *Scanner {
	c := *s
	c.cfg.CopyFiles = enabled
	return &c
}

// Scan walks root and returns findings in traversal order. Directories below
// root whose base name is ignored are not descended into. Symlinks to
// directories are not followed. Per-file errors are skipped silently.
func (s *Scanner) Scan(ctx context.Context, root string) ([]Finding, error) {
	ctx, span := s.tracer.Start(ctx, "scanner.Scan", trace.WithAttributes(
		attribute.String("scan.root", root),
		attribute.Bool("scan.copy", s.cfg.CopyFiles),
	))
	defer span.End()

	info, err := os.Stat(root)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRoot, root, err)
	}

	var findings []Finding
	switch {
	case info.Mode().IsRegular():
		findings = s.scanFile(ctx, root, filepath.Base(root), info.Size())
	case info.IsDir():
		walkRoot := root
		if lst, err := os.Lstat(root); err == nil && lst.Mode()&fs.ModeSymlink != 0 {
			walkRoot = root + string(os.PathSeparator)
		}
		findings, err = s.walk(ctx, walkRoot)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a directory or regular file", ErrInvalidRoot, root)
	}

	span.SetAttributes(attribute.Int("scan.findings", len(findings)))
	return findings, nil
}

func (s *Scanner) walk(ctx context.Context, root string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.log.Debug(ctx, "skipping unreadable path", "path", path, "error", err)
			return nil
		}

		if d.IsDir() {
			if path != root && s.ignored(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}

		var size int64
		switch {
		case d.Type().IsRegular():
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			size = fi.Size()
		case d.Type()&fs.ModeSymlink != 0:
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				return nil
			}
			size = fi.Size()
		default:
			return nil
		}

		findings = append(findings, s.scanFile(ctx, path, d.Name(), size)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func (s *Scanner) ignored(name string) bool {
	_, ok := s.ignore[name]
	return ok
}

// scanFile applies the filename check and then the content check to one
// regular file.
func (s *Scanner) scanFile(ctx context.Context, path, name string, size int64) []Finding {
	var findings []Finding

	copied, copyDone := "", false
	attach := func() string {
		if !copyDone {
			copied, copyDone = s.copyContent(path, size), true
		}
		return copied
	}

	if kw := s.filenameMatch(name); kw != "" {
		findings = append(findings, Finding{
			Path:        path,
			Reason:      ReasonFilename,
			Detail:      kw,
			FileContent: attach(),
		})
	}

	content, err := s.scanContent(path, size, attach)
	if err != nil {
		s.log.Debug(ctx, "skipping file content", "path", path, "error", err)
	}
	return append(findings, content...)
}

// filenameMatch returns the first configured keyword contained in the
// lowercased name, or "".
func (s *Scanner) filenameMatch(name string) string {
	lower := strings.ToLower(name)
	for _, kw := range s.filenameKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// scanContent returns content findings for a text file of at most the
// configured size. Findings gathered before a read error are kept.
func (s *Scanner) scanContent(path string, size int64, attach func() string) ([]Finding, error) {
	if size > s.cfg.MaxFileSizeBytes {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sample := make([]byte, sampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	sample = sample[:n]
	if IsProbablyBinary(sample) {
		return nil, nil
	}

	rest, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	text := strings.ToValidUTF8(string(append(sample, rest...)), "")

	var findings []Finding
	for i, line := range splitLines(text) {
		loc := s.content.FindStringIndex(line)
		if loc == nil {
			continue
		}
		findings = append(findings, Finding{
			Path:        path,
			Reason:      ReasonContent,
			Detail:      fmt.Sprintf("line %d: %s", i+1, line[loc[0]:loc[1]]),
			FileContent: attach(),
		})
		if len(findings) >= maxContentFindings {
			break
		}
	}
	return findings, nil
}

// copyContent returns the base64 file content in copy mode, or "" when copy
// mode is off, the file exceeds the copy limit, or it cannot be read.
func (s *Scanner) copyContent(path string, size int64) string {
	if !s.cfg.CopyFiles || size > s.cfg.MaxCopySizeBytes {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil || int64(len(data)) > s.cfg.MaxCopySizeBytes {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
