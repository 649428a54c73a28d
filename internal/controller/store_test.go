package controller

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/ethan516/trawl/internal/protocol"
)

func finding(path, content string) protocol.Finding {
	return protocol.Finding{
		Path:        path,
		Reason:      protocol.ReasonFilename,
		Detail:      "secret",
		FileContent: base64.StdEncoding.EncodeToString([]byte(content)),
	}
}

func TestStore_Deduplicates(t *testing.T) {
	s := NewStore()

	var names []string
	for _, path := range []string{"/a/secret.txt", "/b/secret.txt", "/c/secret.txt", "/d/secret_1.txt"} {
		f, err := s.Add(finding(path, "x"))
		require.NoError(t, err)
		names = append(names, f.Filename)
	}

	assert.Equal(t, []string{"secret.txt", "secret_1.txt", "secret_2.txt", "secret_1_1.txt"}, names)
	assert.Equal(t, 4, s.Len())
}

func TestSplitExt(t *testing.T) {
	tests := []struct {
		name, stem, ext string
	}{
		{name: "secret.txt", stem: "secret", ext: ".txt"},
		{name: "archive.tar.gz", stem: "archive.tar", ext: ".gz"},
		{name: ".env", stem: ".env", ext: ""},
		{name: "..hidden", stem: "..hidden", ext: ""},
		{name: ".config.yaml", stem: ".config", ext: ".yaml"},
		{name: "id_rsa", stem: "id_rsa", ext: ""},
		{name: "trailing.", stem: "trailing", ext: "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stem, ext := splitExt(tt.name)
			assert.Equal(t, tt.stem, stem)
			assert.Equal(t, tt.ext, ext)
		})
	}
}

func TestStore_DedupDotfile(t *testing.T) {
	s := NewStore()
	_, err := s.Add(finding("/app/.env", "A=1"))
	require.NoError(t, err)
	f, err := s.Add(finding("/other/.env", "A=2"))
	require.NoError(t, err)
	assert.Equal(t, ".env_1", f.Filename)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "secret.txt", baseName("/home/u/secret.txt"))
	assert.Equal(t, "creds.xml", baseName(`C:\Users\u\creds.xml`))
	assert.Equal(t, "dir", baseName("/tmp/dir/"))
	assert.Equal(t, "unnamed", baseName("/"))
	assert.Equal(t, "unnamed", baseName(".."))
}

func TestStore_Metadata(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(func() time.Time { return at }))

	f, err := s.Add(protocol.Finding{
		Path:        "/srv/app/config.yaml",
		Reason:      protocol.ReasonContent,
		Detail:      "line 4: password",
		FileContent: base64.StdEncoding.EncodeToString([]byte("password: x\n")),
	})
	require.NoError(t, err)

	sum := blake3.Sum256([]byte("password: x\n"))
	assert.Equal(t, "config.yaml", f.Filename)
	assert.Equal(t, "/srv/app/config.yaml", f.OriginalPath)
	assert.Equal(t, protocol.ReasonContent, f.Reason)
	assert.Equal(t, "line 4: password", f.Detail)
	assert.Equal(t, at, f.Timestamp)
	assert.Equal(t, 12, f.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), f.Checksum)

	got, ok := s.Get("config.yaml")
	require.True(t, ok)
	assert.Equal(t, f.Checksum, got.Checksum)
}

func TestStore_RejectsBadFindings(t *testing.T) {
	s := NewStore()

	_, err := s.Add(protocol.Finding{Path: "/a/secret.txt"})
	assert.Error(t, err)

	_, err = s.Add(protocol.Finding{Path: "/a/secret.txt", FileContent: "%%%not base64"})
	assert.Error(t, err)

	assert.Zero(t, s.Len())
}

func TestStore_ListOrder(t *testing.T) {
	s := NewStore()
	for _, p := range []string{"/z.txt", "/a.txt", "/m.txt"} {
		_, err := s.Add(finding(p, p))
		require.NoError(t, err)
	}

	var names []string
	for _, f := range s.List() {
		names = append(names, f.Filename)
	}
	assert.Equal(t, []string{"z.txt", "a.txt", "m.txt"}, names)
}

func TestStore_Extract(t *testing.T) {
	s := NewStore()
	content := "\x00\x01binary and text\n"
	_, err := s.Add(finding("/etc/secret.bin", content))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "extracted_files")
	out, err := s.Extract("secret.bin", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "secret.bin"), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestStore_ExtractUnknown(t *testing.T) {
	_, err := NewStore().Extract("nope.txt", t.TempDir())
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestStore_ExtractWriteFailure(t *testing.T) {
	s := NewStore()
	_, err := s.Add(finding("/etc/secret.txt", "x"))
	require.NoError(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err = s.Extract("secret.txt", filepath.Join(blocker, "sub"))
	assert.Error(t, err)
}
