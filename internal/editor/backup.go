package editor

import (
	"fmt"
	"io"
	"os"

	"github.com/probelab/testbridge/internal/logger"
)

// backupSuffix marks the copy-aside file Backup creates next to the
// original.
const backupSuffix = ".bridge-backup"

// Backup copies the file aside and returns the backup path. A later
// Backup for the same file overwrites the previous copy.
func (e *Editor) Backup(path string) (string, error) {
	e.locks.Lock(path)
	defer e.locks.Unlock(path)

	backupPath := path + backupSuffix
	if err := copyFile(path, backupPath); err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", path, err)
	}
	logger.Info("Backed up %s to %s", path, backupPath)
	return backupPath, nil
}

// Restore copies the backup back over the file and deletes the backup.
// It is best-effort: failures are logged and returned but callers already
// handling an earlier error should not let a restore failure cascade.
func (e *Editor) Restore(path string) error {
	e.locks.Lock(path)
	defer e.locks.Unlock(path)

	backupPath := path + backupSuffix
	if err := copyFile(backupPath, path); err != nil {
		logger.Error("Failed to restore %s from backup: %v", path, err)
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if err := os.Remove(backupPath); err != nil {
		logger.Error("Failed to remove backup %s: %v", backupPath, err)
	}
	logger.Info("Restored %s from backup", path)
	return nil
}

// DiscardBackup removes the copy-aside file after the edits it protected
// have succeeded. Missing backups are ignored.
func (e *Editor) DiscardBackup(path string) {
	if err := os.Remove(path + backupSuffix); err != nil && !os.IsNotExist(err) {
		logger.Error("Failed to discard backup for %s: %v", path, err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
