package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/aretw0/humus/pkg/core"
)

const (
	blobExt    = ".blob"
	partialExt = ".partial"

	// partialGrace protects partial files another handle may still be writing.
	partialGrace = time.Minute
)

var digestPattern = regexp.MustCompile(`^sha256-[0-9a-f]{64}$`)

func blobFile(dir, digest string) (string, error) {
	if !digestPattern.MatchString(digest) {
		return "", fmt.Errorf("invalid blob digest %q", digest)
	}
	return filepath.Join(dir, strings.TrimPrefix(digest, "sha256-")+blobExt), nil
}

func (s *Store) blobPath(digest string) (string, *sealer, error) {
	sl, dir, err := s.current()
	if err != nil {
		return "", nil, err
	}
	path, err := blobFile(filepath.Join(s.path, dir), digest)
	if err != nil {
		return "", nil, err
	}
	return path, sl, nil
}

// PutBlob implements core.Store. Blobs are content addressed; writing an
// existing digest is a no-op.
func (s *Store) PutBlob(_ context.Context, digest string, data []byte) error {
	if core.BlobDigest(data) != digest {
		return fmt.Errorf("blob digest %s does not match content", digest)
	}
	path, sl, err := s.blobPath(digest)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	sealed, err := sl.Seal(snappy.Encode(nil, data))
	if err != nil {
		return core.NewError(core.KindEncryption, "put blob", digest, err)
	}
	if err := writeBlobFile(filepath.Dir(path), digest, sealed); err != nil {
		return core.NewError(core.KindIO, "put blob", digest, err)
	}
	return nil
}

// GetBlob implements core.Store.
func (s *Store) GetBlob(_ context.Context, digest string) ([]byte, error) {
	path, sl, err := s.blobPath(digest)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, core.NewError(core.KindNotFound, "get blob", digest, nil)
	}
	if err != nil {
		return nil, core.NewError(core.KindIO, "get blob", digest, err)
	}
	data, err := decodeBlob(sl, raw)
	if err != nil {
		return nil, err
	}
	if core.BlobDigest(data) != digest {
		return nil, core.NewError(core.KindCorruption, "get blob", digest, errors.New("digest mismatch"))
	}
	return data, nil
}

// HasBlob implements core.Store.
func (s *Store) HasBlob(_ context.Context, digest string) (bool, error) {
	path, _, err := s.blobPath(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, core.NewError(core.KindIO, "has blob", digest, err)
}

// writeBlobFile stores sealed content under its digest name in dir. Content
// lands in a partial sibling, is synced, then renamed, so a blob file is
// either complete or absent.
func writeBlobFile(dir, digest string, sealed []byte) error {
	path, err := blobFile(dir, digest)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*"+partialExt)
	if err != nil {
		return fmt.Errorf("failed to create blob file: %w", err)
	}
	partial := f.Name()
	_, err = f.Write(sealed)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(partial, path)
	}
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to write blob %s: %w", digest, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// removePartials deletes partial blob files left by crashed writers.
func removePartials(dir string, olderThan time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partialExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(olderThan) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func decodeBlob(sl *sealer, raw []byte) ([]byte, error) {
	compressed, err := sl.Open(raw)
	if err != nil {
		return nil, core.NewError(core.KindEncryption, "get blob", "", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, core.NewError(core.KindCorruption, "get blob", "", err)
	}
	return data, nil
}

// blobDigests lists the digests stored in dir.
func blobDigests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, blobExt) {
			continue
		}
		out = append(out, "sha256-"+strings.TrimSuffix(name, blobExt))
	}
	return out, nil
}
