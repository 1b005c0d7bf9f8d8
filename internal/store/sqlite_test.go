package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/keyrelay/internal/model"
)

func tempDB(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

// === Migration Tests ===

func TestNew_CreatesDirAndDB(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "deep", "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}
}

func TestMigrate_TablesExist(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	tables := []string{"provider_keys", "budget_alerts"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// === Provider keys ===

func TestKeys_CRUD(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	if entries, err := s.LoadKeys(); err != nil || len(entries) != 0 {
		t.Fatalf("expected empty table, got %v, %v", entries, err)
	}

	if err := s.SaveKey("PROVIDER_KEY_2", "sk-two"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	if err := s.SaveKey("PROVIDER_KEY_1", "sk-one"); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}
	if err := s.SaveKey("PROVIDER_KEY_2", "sk-two-rotated"); err != nil {
		t.Fatalf("SaveKey update failed: %v", err)
	}

	entries, err := s.LoadKeys()
	if err != nil {
		t.Fatalf("LoadKeys failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(entries))
	}
	if entries[0].Name != "PROVIDER_KEY_1" || entries[1].Value != "sk-two-rotated" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	if err := s.DeleteKey("PROVIDER_KEY_1"); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if err := s.DeleteKey("PROVIDER_KEY_1"); !errors.Is(err, model.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

// === Budget alerts ===

func TestAlerts_SaveAndQuery(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	alerts := []model.BudgetAlert{
		{Model: "gpt-4o", Metric: model.MetricRequests, Level: model.AlertWarning, Current: 8, Limit: 10, Percentage: 80, Timestamp: base},
		{Model: "gpt-4o", Metric: model.MetricRequests, Level: model.AlertCritical, Current: 9, Limit: 10, Percentage: 90, Timestamp: base.Add(time.Minute)},
		{Model: "dall-e-3", Metric: model.MetricRequests, Level: model.AlertExceeded, Current: 500, Limit: 500, Percentage: 100, Timestamp: base.Add(2 * time.Minute)},
	}
	for i := range alerts {
		id, err := s.SaveAlert(&alerts[i])
		if err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
		if id <= 0 {
			t.Fatalf("expected positive id, got %d", id)
		}
	}

	all, err := s.QueryAlerts(&model.AlertQuery{})
	if err != nil {
		t.Fatalf("QueryAlerts failed: %v", err)
	}
	if len(all) != 3 || all[0].Model != "dall-e-3" {
		t.Fatalf("expected newest first, got %+v", all)
	}

	tests := []struct {
		name  string
		query model.AlertQuery
		want  int
	}{
		{"by model", model.AlertQuery{Model: "gpt-4o"}, 2},
		{"by level", model.AlertQuery{Level: "critical"}, 1},
		{"by start time", model.AlertQuery{StartTime: base.Add(30 * time.Second)}, 2},
		{"by end time", model.AlertQuery{EndTime: base.Add(30 * time.Second)}, 1},
		{"limit", model.AlertQuery{Limit: 1}, 1},
		{"offset", model.AlertQuery{Offset: 2}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryAlerts(&tt.query)
			if err != nil {
				t.Fatalf("QueryAlerts failed: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("got %d alerts, want %d", len(got), tt.want)
			}
		})
	}

	crit, _ := s.QueryAlerts(&model.AlertQuery{Level: "critical"})
	if crit[0].Metric != model.MetricRequests || crit[0].Current != 9 || crit[0].Limit != 10 {
		t.Fatalf("unexpected round trip: %+v", crit[0])
	}
}

func TestAlerts_CleanOld(t *testing.T) {
	s, cleanup := tempDB(t)
	defer cleanup()

	old := model.BudgetAlert{Model: "m", Metric: model.MetricTokens, Level: model.AlertWarning, Timestamp: time.Now().AddDate(0, 0, -40)}
	fresh := model.BudgetAlert{Model: "m", Metric: model.MetricTokens, Level: model.AlertWarning, Timestamp: time.Now()}
	s.SaveAlert(&old)
	s.SaveAlert(&fresh)

	n, err := s.CleanOldAlerts(30)
	if err != nil {
		t.Fatalf("CleanOldAlerts failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}
	left, _ := s.QueryAlerts(&model.AlertQuery{})
	if len(left) != 1 {
		t.Fatalf("expected 1 alert left, got %d", len(left))
	}
}
