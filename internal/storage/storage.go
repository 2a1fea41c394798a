// Package storage keeps server session history, performance metrics, and
// backup history in a local SQLite database.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mcman/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Metric is one performance sample for a running server process.
type Metric struct {
	At      time.Time
	RAMPct  float64
	CPUPct  float64
	Players int
}

// ServerStats is an aggregate view used by the statistics surface.
type ServerStats struct {
	Sessions    int
	TotalUptime time.Duration
	LastStarted time.Time
	Backups     int
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LogSessionStart records a server session start and returns its record id.
func (s *Store) LogSessionStart(ctx context.Context, server, flavor, version string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO server_sessions(server_name, flavor, version, start_time) VALUES(?,?,?,?)`,
		server, flavor, version, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LogSessionEnd closes a session record, computing its duration.
func (s *Store) LogSessionEnd(ctx context.Context, sessionID int64) error {
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT start_time FROM server_sessions WHERE id = ?`, sessionID).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no session with id %d", sessionID)
	}
	if err != nil {
		return err
	}
	start, err := time.Parse(time.RFC3339, started)
	if err != nil {
		return fmt.Errorf("invalid start_time for session %d: %w", sessionID, err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE server_sessions SET end_time = ?, duration = ? WHERE id = ?`,
		now.Format(time.RFC3339), int64(now.Sub(start).Seconds()), sessionID,
	)
	return err
}

// LogMetric records one performance sample.
func (s *Store) LogMetric(ctx context.Context, server string, m Metric) error {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_metrics(server_name, at, ram_usage, cpu_usage, player_count) VALUES(?,?,?,?,?)`,
		server, m.At.Format(time.RFC3339), m.RAMPct, m.CPUPct, m.Players,
	)
	return err
}

// RecordBackup appends one backup to the history.
func (s *Store) RecordBackup(ctx context.Context, server, path string, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_history(server_name, backup_path, backup_size, created_at) VALUES(?,?,?,?)`,
		server, path, size, time.Now().Format(time.RFC3339),
	)
	return err
}

// Stats aggregates session and backup history for one server.
func (s *Store) Stats(ctx context.Context, server string) (ServerStats, error) {
	var st ServerStats
	var uptime sql.NullInt64
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration), 0), MAX(start_time)
		 FROM server_sessions WHERE server_name = ?`, server,
	).Scan(&st.Sessions, &uptime, &last)
	if err != nil {
		return ServerStats{}, err
	}
	st.TotalUptime = time.Duration(uptime.Int64) * time.Second
	if last.Valid {
		if ts, err := time.Parse(time.RFC3339, last.String); err == nil {
			st.LastStarted = ts
		}
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_history WHERE server_name = ?`, server,
	).Scan(&st.Backups)
	if err != nil {
		return ServerStats{}, err
	}
	return st, nil
}

// PruneMetrics deletes performance samples older than the retention window.
func (s *Store) PruneMetrics(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `DELETE FROM performance_metrics WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
