package sqlite

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/humus/pkg/core"
)

// Compact implements core.Store.
func (s *Store) Compact(ctx context.Context, keep map[string]bool) error {
	_, dir, err := s.current()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE revisions SET body = NULL, has_body = 0
		WHERE body IS NOT NULL AND EXISTS (
			SELECT 1 FROM revisions AS child
			WHERE child.doc_id = revisions.doc_id AND child.parent_id = revisions.rev_id
		)`)
	if err != nil {
		return classify("compact", "", err)
	}
	pruned, _ := res.RowsAffected()

	blobDir := filepath.Join(s.path, dir)
	digests, err := blobDigests(blobDir)
	if err != nil {
		return core.NewError(core.KindIO, "compact", "", err)
	}
	removed := 0
	for _, d := range digests {
		if keep[d] {
			continue
		}
		path, err := blobFile(blobDir, d)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return core.NewError(core.KindIO, "compact", d, err)
		}
		removed++
	}
	partials, err := removePartials(blobDir, time.Now().Add(-partialGrace))
	if err != nil {
		return core.NewError(core.KindIO, "compact", "", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return classify("compact", "", err)
	}
	s.logger.Debug("compacted", "bodies_pruned", pruned, "blobs_removed", removed, "partials_removed", partials)
	return nil
}

// ChangeKey implements core.Store. Blobs are rewritten into a new directory
// first; revision bodies and key metadata then switch in one SQLite
// transaction. The old directory is removed after the commit, or by the next
// Open if the process dies in between.
func (s *Store) ChangeKey(ctx context.Context, key *core.EncryptionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}

	next, err := newSealer(key, nil)
	if err != nil {
		return core.NewError(core.KindEncryption, "change key", "", err)
	}
	epoch, err := strconv.Atoi(strings.TrimPrefix(s.blobDir, blobDirPrefix))
	if err != nil {
		return core.NewError(core.KindCorruption, "change key", "", fmt.Errorf("invalid blob directory %q", s.blobDir))
	}
	oldDir := filepath.Join(s.path, s.blobDir)
	newName := blobDirPrefix + strconv.Itoa(epoch+1)
	newDir := filepath.Join(s.path, newName)

	if err := os.RemoveAll(newDir); err != nil {
		return core.NewError(core.KindIO, "change key", "", err)
	}
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return core.NewError(core.KindIO, "change key", "", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(newDir)
		}
	}()

	if err := s.rekeyBlobs(oldDir, newDir, next); err != nil {
		return err
	}
	if err := s.rekeyRevisions(ctx, next, newName); err != nil {
		return err
	}
	committed = true

	s.sealer = next
	s.blobDir = newName
	if err := os.RemoveAll(oldDir); err != nil {
		s.logger.Warn("failed to remove old blob directory", "dir", oldDir, "error", err)
	}
	s.logger.Info("encryption key changed", "encryption", next.Mode())
	return nil
}

func (s *Store) rekeyBlobs(oldDir, newDir string, next *sealer) error {
	digests, err := blobDigests(oldDir)
	if err != nil {
		return core.NewError(core.KindIO, "change key", "", err)
	}
	for _, d := range digests {
		src, err := blobFile(oldDir, d)
		if err != nil {
			continue
		}
		raw, err := os.ReadFile(src)
		if err != nil {
			return core.NewError(core.KindIO, "change key", d, err)
		}
		compressed, err := s.sealer.Open(raw)
		if err != nil {
			return core.NewError(core.KindEncryption, "change key", d, err)
		}
		sealed, err := next.Seal(compressed)
		if err != nil {
			return core.NewError(core.KindEncryption, "change key", d, err)
		}
		if err := writeBlobFile(newDir, d, sealed); err != nil {
			return core.NewError(core.KindIO, "change key", d, err)
		}
	}
	return nil
}

type storedBody struct {
	docID string
	revID string
	body  []byte
}

func (s *Store) rekeyRevisions(ctx context.Context, next *sealer, blobDir string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("change key", "", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT doc_id, rev_id, body FROM revisions WHERE body IS NOT NULL`)
	if err != nil {
		return classify("change key", "", err)
	}
	var bodies []storedBody
	for rows.Next() {
		var b storedBody
		if err := rows.Scan(&b.docID, &b.revID, &b.body); err != nil {
			rows.Close()
			return classify("change key", "", err)
		}
		bodies = append(bodies, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify("change key", "", err)
	}

	for _, b := range bodies {
		plain, err := s.sealer.Open(b.body)
		if err != nil {
			return core.NewError(core.KindEncryption, "change key", b.docID, err)
		}
		sealed, err := next.Seal(plain)
		if err != nil {
			return core.NewError(core.KindEncryption, "change key", b.docID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE revisions SET body = ? WHERE doc_id = ? AND rev_id = ?`,
			sealed, b.docID, b.revID); err != nil {
			return classify("change key", b.docID, err)
		}
	}

	check, err := next.keyCheck()
	if err != nil {
		return core.NewError(core.KindEncryption, "change key", "", err)
	}
	for k, v := range map[string]string{
		metaEncryption: next.Mode(),
		metaSalt:       hex.EncodeToString(saltOf(next)),
		metaKeyCheck:   check,
		metaBlobDir:    blobDir,
	} {
		if err := setMeta(ctx, tx, k, v); err != nil {
			return classify("change key", "", err)
		}
	}
	return classify("change key", "", tx.Commit())
}
