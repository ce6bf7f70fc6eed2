package sqlite

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/humus/pkg/core"
)

func TestWriteBlobFile(t *testing.T) {
	data := []byte("sealed bytes")
	digest := core.BlobDigest(data)

	t.Run("Writes Digest Named File", func(t *testing.T) {
		dir := t.TempDir()
		if err := writeBlobFile(dir, digest, data); err != nil {
			t.Fatalf("writeBlobFile failed: %v", err)
		}
		path, _ := blobFile(dir, digest)
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Failed to read blob: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("Expected %q, got %q", data, got)
		}
		if runtime.GOOS != "windows" {
			info, _ := os.Stat(path)
			if perm := info.Mode().Perm(); perm != 0o600 {
				t.Errorf("Expected mode 0600, got %o", perm)
			}
		}
	})

	t.Run("Leaves No Partial Files", func(t *testing.T) {
		dir := t.TempDir()
		for i := 0; i < 2; i++ {
			if err := writeBlobFile(dir, digest, data); err != nil {
				t.Fatalf("writeBlobFile failed: %v", err)
			}
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			t.Errorf("Expected one file, got %d", len(entries))
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), partialExt) {
				t.Errorf("partial file left behind: %s", e.Name())
			}
		}
	})

	t.Run("Rejects Bad Digest", func(t *testing.T) {
		if err := writeBlobFile(t.TempDir(), "../escape", data); err == nil {
			t.Error("expected error for invalid digest")
		}
	})

	t.Run("Fails if Directory Missing", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "missing")
		if err := writeBlobFile(dir, digest, data); err == nil {
			t.Error("expected error for missing directory")
		}
	})
}

func TestRemovePartials(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "abc.blob.1.partial")
	fresh := filepath.Join(dir, "def.blob.2.partial")
	kept := filepath.Join(dir, "abc.blob")
	for _, p := range []string{old, fresh, kept} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("Setup failed: %v", err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	n, err := removePartials(dir, time.Now().Add(-partialGrace))
	if err != nil {
		t.Fatalf("removePartials failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 removal, got %d", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale partial file should be gone")
	}
	for _, p := range []string{fresh, kept} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(p), err)
		}
	}
}

func TestSealer(t *testing.T) {
	var none *sealer
	if none.Mode() != modeNone {
		t.Errorf("nil sealer mode = %s", none.Mode())
	}
	out, err := none.Seal([]byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Fatalf("nil sealer must pass data through: %q %v", out, err)
	}
}
