package migration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
)

// BackupHandle identifies a point-in-time snapshot of the target backend
// (spec §4.17 phase 3).
type BackupHandle struct {
	Path      string
	CreatedAt time.Time
}

// BackupManager obtains and restores point-in-time snapshots of the target
// backend. The engine aborts the run if Create fails (spec §4.17 phase 3).
type BackupManager interface {
	Create(ctx context.Context, connURL, label string) (BackupHandle, error)
	Restore(ctx context.Context, connURL string, handle BackupHandle) error
	Delete(ctx context.Context, handle BackupHandle) error
}

// PgDumpBackupManager shells out to pg_dump/pg_restore for database-level
// snapshots, the way the teacher's pkg/console wraps an external CLI
// (govc) rather than reimplementing its protocol.
type PgDumpBackupManager struct {
	Dir string
}

func NewPgDumpBackupManager(dir string) *PgDumpBackupManager {
	return &PgDumpBackupManager{Dir: dir}
}

func (m *PgDumpBackupManager) Create(ctx context.Context, connURL, label string) (BackupHandle, error) {
	if err := os.MkdirAll(m.Dir, 0700); err != nil {
		return BackupHandle{}, storerrors.Permanent("migration.backup.create", "mkdir", err)
	}
	path := filepath.Join(m.Dir, fmt.Sprintf("%s.dump", label))

	cmd := exec.CommandContext(ctx, "pg_dump", "--format=custom", "--file="+path, connURL)
	if out, err := cmd.CombinedOutput(); err != nil {
		return BackupHandle{}, storerrors.Permanent("migration.backup.create", string(out), err)
	}
	return BackupHandle{Path: path, CreatedAt: time.Now()}, nil
}

func (m *PgDumpBackupManager) Restore(ctx context.Context, connURL string, handle BackupHandle) error {
	cmd := exec.CommandContext(ctx, "pg_restore", "--clean", "--if-exists", "--dbname="+connURL, handle.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return storerrors.Permanent("migration.backup.restore", string(out), err)
	}
	return nil
}

func (m *PgDumpBackupManager) Delete(ctx context.Context, handle BackupHandle) error {
	if err := os.Remove(handle.Path); err != nil && !os.IsNotExist(err) {
		return storerrors.Permanent("migration.backup.delete", "remove", err)
	}
	return nil
}
