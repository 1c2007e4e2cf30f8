package ports

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// journalLockRetryInterval is the interval between attempts to take the
// journal file lock when another supervisor process holds it.
const journalLockRetryInterval = 50 * time.Millisecond

// journalLockTimeout bounds how long a journal critical section may wait on
// a lock held by another process.
const journalLockTimeout = 10 * time.Second

// Journal is the durable, host-wide record of port leases. Every supervisor
// process on the host opens the same SQLite file. Row-level access is
// serialized by SQLite itself (busy_timeout); a file lock additionally
// guards the multi-statement critical sections: schema setup and the
// stale-lease purge.
type Journal struct {
	db       *sql.DB
	lockPath string
	log      *slog.Logger
}

// OpenJournal opens (creating if necessary) the lease journal at path.
// The companion lock file is path + ".lock"; it is left on disk after use to
// avoid invalidating a lock another process may have just acquired.
func OpenJournal(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Short-lived single-connection sessions; the journal sees a handful of
	// writes per node lifecycle, not sustained load.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lease journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, lockPath: path + ".lock", log: logger}

	err = j.withFileLock(ctx, func() error {
		const schema = `CREATE TABLE IF NOT EXISTS leases (
			proto       TEXT    NOT NULL,
			port        INTEGER NOT NULL,
			project     TEXT    NOT NULL,
			owner_pid   INTEGER NOT NULL,
			acquired_at TEXT    NOT NULL,
			PRIMARY KEY (proto, port)
		)`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create lease journal schema: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// withFileLock runs fn while holding an exclusive lock on the journal's
// companion lock file. Acquisition retries until journalLockTimeout.
func (j *Journal) withFileLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, journalLockTimeout)
	defer cancel()

	fl := flock.New(j.lockPath)
	locked, err := fl.TryLockContext(lockCtx, journalLockRetryInterval)
	if err != nil {
		return fmt.Errorf("lock lease journal %s: %w", j.lockPath, err)
	}
	if !locked {
		return fmt.Errorf("lock lease journal %s: lock not acquired", j.lockPath)
	}
	defer func() {
		// Close unlocks and releases the descriptor in one step.
		if closeErr := fl.Close(); closeErr != nil {
			j.log.Debug("release lease journal lock", "path", j.lockPath, "error", closeErr)
		}
	}()
	return fn()
}

// Record inserts a lease row owned by this process. A conflicting row for
// the same (proto, port) means another supervisor holds the port.
func (j *Journal) Record(ctx context.Context, proto string, port int, project string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO leases (proto, port, project, owner_pid, acquired_at) VALUES (?, ?, ?, ?, ?)`,
		proto, port, project, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record %s lease for port %d: %w", proto, port, err)
	}
	return nil
}

// Remove deletes the lease row for (proto, port, project).
func (j *Journal) Remove(ctx context.Context, proto string, port int, project string) error {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM leases WHERE proto = ? AND port = ? AND project = ?`,
		proto, port, project)
	if err != nil {
		return fmt.Errorf("remove %s lease for port %d: %w", proto, port, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("remove %s lease for port %d: %w", proto, port, ErrLeaseNotHeld)
	}
	return nil
}

// Count returns the number of lease rows currently in the journal.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal leases: %w", err)
	}
	return n, nil
}

// PurgeStale deletes lease rows whose owning process no longer exists and
// returns how many were reclaimed. Called at service startup so ports leaked
// by a crashed supervisor become available again. The file lock brackets the
// read-check-delete sequence so two supervisors starting at once do not
// interleave their purges.
func (j *Journal) PurgeStale(ctx context.Context) (int, error) {
	purged := 0
	err := j.withFileLock(ctx, func() error {
		deadPIDs, err := j.deadOwners(ctx)
		if err != nil {
			return err
		}
		for _, pid := range deadPIDs {
			res, err := j.db.ExecContext(ctx, `DELETE FROM leases WHERE owner_pid = ?`, pid)
			if err != nil {
				return fmt.Errorf("purge leases of pid %d: %w", pid, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				purged += int(n)
				j.log.Debug("purged stale leases", "owner_pid", pid, "count", n)
			}
		}
		return nil
	})
	return purged, err
}

// deadOwners returns the distinct owner PIDs in the journal that no longer
// correspond to a live process.
func (j *Journal) deadOwners(ctx context.Context) ([]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT owner_pid FROM leases`)
	if err != nil {
		return nil, fmt.Errorf("query lease owners: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var dead []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan lease owner: %w", err)
		}
		if !pidAlive(pid) {
			dead = append(dead, pid)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lease owners: %w", err)
	}
	return dead, nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close lease journal db: %w", err)
	}
	return nil
}

// pidAlive reports whether a process with the given PID currently exists.
// Signal 0 performs the existence check without delivering anything.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
