package conn

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/medrelay/agent/internal/item"
)

// FileSender delivers items by copying their source payload into a
// destination directory. It is the one protocol collaborator real enough
// to run without external infrastructure; DICOM/HL7/cloud senders plug in
// behind the same Sender interface.
type FileSender struct {
	OutDir string
}

// Send copies the item's source file into OutDir. I/O failures are
// retryable (disk full, transient NFS errors); a missing source payload
// is terminal because retrying cannot recreate it.
func (s *FileSender) Send(ctx context.Context, it *item.WorkItem) DeliveryResult {
	if err := ctx.Err(); err != nil {
		return RetryLater(err)
	}
	if it.SourceLocation == "" {
		return FailPermanently(fmt.Errorf("item %s has no source payload", it.InstanceID))
	}

	src, err := os.Open(it.SourceLocation)
	if err != nil {
		if os.IsNotExist(err) {
			return FailPermanently(fmt.Errorf("source payload gone: %w", err))
		}
		return RetryLater(err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.OutDir, 0o755); err != nil {
		return RetryLater(err)
	}

	destPath := filepath.Join(s.OutDir, filepath.Base(it.SourceLocation))
	dst, err := os.CreateTemp(s.OutDir, ".delivering-*")
	if err != nil {
		return RetryLater(err)
	}
	tmpName := dst.Name()

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpName)
		return RetryLater(err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpName)
		return RetryLater(err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return RetryLater(err)
	}

	it.DestLocation = destPath
	return Delivered()
}

// FileReceiver ingests files dropped into a watch directory. Each scan
// claims the files it finds by moving them into a staging subdirectory,
// so a file is ingested exactly once even across overlapping scans.
type FileReceiver struct {
	WatchDir string
	Gen      item.IDGenerator
}

const stagingDirName = ".staging"

// Receive scans the watch directory and returns one WorkItem per newly
// arrived file.
func (r *FileReceiver) Receive(ctx context.Context) ([]*item.WorkItem, error) {
	entries, err := os.ReadDir(r.WatchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan watch dir: %w", err)
	}

	staging := filepath.Join(r.WatchDir, stagingDirName)
	var items []*item.WorkItem
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}

		if err := os.MkdirAll(staging, 0o755); err != nil {
			return items, fmt.Errorf("create staging dir: %w", err)
		}

		src := filepath.Join(r.WatchDir, e.Name())
		staged := filepath.Join(staging, e.Name())
		if err := os.Rename(src, staged); err != nil {
			// Lost the claim race or the file vanished; skip it.
			continue
		}

		it := item.New(r.Gen, item.KindFile, e.Name())
		it.Status = item.StatusPending
		it.SourceLocation = staged
		items = append(items, it)
	}
	return items, nil
}
