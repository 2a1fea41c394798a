package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mcman/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "stats.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.LogSessionStart(ctx, "surv1", "paper", "1.21.1")
	if err != nil {
		t.Fatalf("LogSessionStart: %v", err)
	}
	if id <= 0 {
		t.Fatalf("session id = %d", id)
	}
	if err := s.LogSessionEnd(ctx, id); err != nil {
		t.Fatalf("LogSessionEnd: %v", err)
	}
	if err := s.LogSessionEnd(ctx, id+100); err == nil {
		t.Fatal("ending an unknown session should fail")
	}

	st, err := s.Stats(ctx, "surv1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Sessions != 1 {
		t.Fatalf("Sessions = %d, want 1", st.Sessions)
	}
	if st.LastStarted.IsZero() {
		t.Fatal("LastStarted should be set")
	}
}

func TestMetricsAndPrune(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old := Metric{At: time.Now().Add(-48 * time.Hour), RAMPct: 41.5, CPUPct: 12.0}
	fresh := Metric{RAMPct: 39.0, CPUPct: 8.5, Players: 3}
	if err := s.LogMetric(ctx, "surv1", old); err != nil {
		t.Fatalf("LogMetric: %v", err)
	}
	if err := s.LogMetric(ctx, "surv1", fresh); err != nil {
		t.Fatalf("LogMetric: %v", err)
	}

	pruned, err := s.PruneMetrics(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneMetrics: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
}

func TestBackupHistory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordBackup(ctx, "surv1", "/srv/surv1/backups/world_backup_1.zip", 1024); err != nil {
		t.Fatalf("RecordBackup: %v", err)
	}
	st, err := s.Stats(ctx, "surv1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Backups != 1 {
		t.Fatalf("Backups = %d, want 1", st.Backups)
	}
}
