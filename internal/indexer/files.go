package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kotae/internal/apperr"
	"github.com/hyperjump/kotae/internal/models"
	"go.uber.org/zap"
)

// FileDocumentID returns a stable document ID for an absolute path, so
// re-ingesting or removing a file addresses the same document.
func FileDocumentID(absolutePath string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(absolutePath)))
	return "file:" + hex.EncodeToString(hash[:16])
}

// IndexFile reads a plain-text file and indexes it as a document owned by
// ownerID. If allowedExts is non-empty the extension must be in it
// (case-insensitive). A file already indexed since its last modification is
// skipped; a modified file replaces its previous document. It reports whether
// the file was (re)indexed.
func (idx *Indexer) IndexFile(ctx context.Context, path, ownerID string, allowedExts []string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("absolute path: %w", err)
	}
	if len(allowedExts) > 0 && !extensionAllowed(filepath.Ext(absPath), allowedExts) {
		return false, apperr.New(apperr.KindInvalidInput, "extension %q not in allowed list", filepath.Ext(absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return false, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, apperr.New(apperr.KindInvalidInput, "not a regular file: %s", absPath)
	}

	docID := FileDocumentID(absPath)
	existing, err := idx.storage.GetDocument(ctx, docID)
	switch {
	case err == nil && !existing.UploadedAt.Before(info.ModTime()):
		idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
		return false, nil
	case err == nil:
		if err := idx.DeleteDocument(ctx, docID); err != nil {
			return false, fmt.Errorf("failed to replace %s: %w", absPath, err)
		}
	case !errors.Is(err, apperr.ErrNotFound):
		return false, err
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}
	_, err = idx.IndexDocument(ctx, &models.DocumentInput{
		ID:        docID,
		Title:     filepath.Base(absPath),
		SourceURI: "file://" + filepath.ToSlash(absPath),
		OwnerID:   ownerID,
		Text:      string(content),
	})
	if err != nil {
		return false, err
	}
	idx.logger.Debug("indexer file indexed", zap.String("path", absPath), zap.String("doc_id", docID))
	return true, nil
}

// RemoveFile deletes the document ingested from path, if any.
func (idx *Indexer) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	err = idx.DeleteDocument(ctx, FileDocumentID(absPath))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// IndexDirectory walks dir and indexes each regular file whose extension is in
// allowedExts (all files if empty). Files that fail to index are logged and
// skipped. It returns the number of files (re)indexed.
func (idx *Indexer) IndexDirectory(ctx context.Context, dir, ownerID string, allowedExts []string, recursive bool) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, apperr.New(apperr.KindInvalidInput, "not a directory: %s", absDir)
	}
	var n int
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != absDir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if len(allowedExts) > 0 && !extensionAllowed(filepath.Ext(path), allowedExts) {
			return nil
		}
		indexed, err := idx.IndexFile(ctx, path, ownerID, allowedExts)
		if err != nil {
			idx.logger.Warn("indexer failed to index file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if indexed {
			n++
		}
		return nil
	})
	return n, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
