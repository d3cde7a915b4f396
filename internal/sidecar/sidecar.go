// Package sidecar persists one on-disk record per queued WorkItem.
//
// The sidecar file is the crash-recovery contract: after a restart, every
// record in a queue's meta directory is deserialized back into the queue.
// Records are JSON, written with create-then-rename so a crash mid-write
// never leaves a partially-written record under the final name.
//
// Directory layout: {tempRoot}/{connection}/{queue}/meta/{instanceID}.meta
package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/medrelay/agent/internal/item"
)

// Ext is the sidecar file extension.
const Ext = ".meta"

// MetaDir returns the meta directory for a connection/queue pair.
func MetaDir(tempRoot, connection, queueName string) string {
	return filepath.Join(tempRoot, connection, queueName, "meta")
}

// PathFor returns the sidecar path for an instance ID within a meta dir.
func PathFor(metaDir, instanceID string) string {
	return filepath.Join(metaDir, instanceID+Ext)
}

// Write serializes the item to path atomically (temp file + rename).
// The parent directory must already exist.
func Write(path string, it *item.WorkItem) error {
	data, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar %s: %w", it.InstanceID, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create sidecar temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close sidecar temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename sidecar into place: %w", err)
	}
	return nil
}

// Read deserializes a sidecar record. Returns an error for missing or
// malformed files; recovery treats malformed records as skippable.
func Read(path string) (*item.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var it item.WorkItem
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	if err := it.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sidecar %s: %w", path, err)
	}
	return &it, nil
}

// Delete removes a sidecar record. Missing files are not an error: delete
// is idempotent so a crash between dequeue and delete cannot wedge a queue.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sidecar %s: %w", path, err)
	}
	return nil
}

// Scan lists the sidecar record paths in metaDir, sorted by file name.
// UUIDv7 instance IDs make name order creation order. A missing directory
// yields an empty list (fresh queue, nothing to recover).
func Scan(metaDir string) ([]string, error) {
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan meta dir %s: %w", metaDir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		paths = append(paths, filepath.Join(metaDir, e.Name()))
	}
	return paths, nil
}
