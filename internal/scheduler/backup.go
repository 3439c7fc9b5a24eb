package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// NewPgDumpBackup returns a BackupFunc that shells out to pg_dump, writing a
// plain-SQL dump of dsn into dir. No ecosystem client library drives
// pg_dump's custom archive format end-to-end the way the binary itself
// does, so this is the one place in the scheduler that reaches for
// os/exec instead of a wired dependency (see DESIGN.md).
func NewPgDumpBackup(dsn, dir string, now func() time.Time) BackupFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("scheduler: backup mkdir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("advbbs-%d.sql", now().Unix()))
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("scheduler: backup create: %w", err)
		}
		defer out.Close()

		cmd := exec.CommandContext(ctx, "pg_dump", dsn, "--format=plain", "--no-owner")
		cmd.Stdout = out
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("scheduler: pg_dump: %w", err)
		}
		return nil
	}
}
