package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path holding size bytes of placeholder media, creating
// parent directories. Tests stub the duration lookup, so the content is
// never decoded; a size <= 0 still yields a non-empty file.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, placeholderMedia(size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func placeholderMedia(size int64) []byte {
	header := []byte("RIFF")
	if size <= int64(len(header)) {
		return header[:max(size, 1)]
	}
	return append(header, bytes.Repeat([]byte{0}, int(size)-len(header))...)
}
