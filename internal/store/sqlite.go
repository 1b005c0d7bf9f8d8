package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Store 数据存储
type Store struct {
	db *sql.DB
}

// New 创建存储实例
func New(dbPath string) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_keys (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS budget_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		model TEXT NOT NULL,
		metric TEXT NOT NULL,
		level TEXT NOT NULL,
		current INTEGER NOT NULL,
		limit_value INTEGER NOT NULL,
		percentage REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON budget_alerts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_alerts_model ON budget_alerts(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === Provider keys ===

// LoadKeys 读取全部密钥，按名称排序
func (s *Store) LoadKeys() ([]model.KeyEntry, error) {
	rows, err := s.db.Query("SELECT name, value FROM provider_keys ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.KeyEntry
	for rows.Next() {
		var e model.KeyEntry
		if err := rows.Scan(&e.Name, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveKey 新增或更新密钥
func (s *Store) SaveKey(name, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_keys (name, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, name, value)
	return err
}

// DeleteKey 删除密钥
func (s *Store) DeleteKey(name string) error {
	result, err := s.db.Exec("DELETE FROM provider_keys WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrKeyNotFound
	}
	return nil
}

// === Budget alerts ===

// SaveAlert 保存预算告警，返回自增 ID
func (s *Store) SaveAlert(a *model.BudgetAlert) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO budget_alerts (timestamp, model, metric, level, current, limit_value, percentage)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Timestamp.UTC(), a.Model, string(a.Metric), string(a.Level), a.Current, a.Limit, a.Percentage)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// QueryAlerts 查询告警，按时间倒序
func (s *Store) QueryAlerts(query *model.AlertQuery) ([]*model.BudgetAlert, error) {
	sql := "SELECT id, timestamp, model, metric, level, current, limit_value, percentage FROM budget_alerts WHERE 1=1"
	args := []any{}

	if query.Model != "" {
		sql += " AND model = ?"
		args = append(args, query.Model)
	}
	if query.Level != "" {
		sql += " AND level = ?"
		args = append(args, query.Level)
	}
	if !query.StartTime.IsZero() {
		sql += " AND timestamp >= ?"
		args = append(args, query.StartTime.UTC())
	}
	if !query.EndTime.IsZero() {
		sql += " AND timestamp <= ?"
		args = append(args, query.EndTime.UTC())
	}

	sql += " ORDER BY timestamp DESC, id DESC"

	if query.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		sql += " LIMIT 100"
	}
	if query.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.Query(sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*model.BudgetAlert
	for rows.Next() {
		var a model.BudgetAlert
		var metric, level string
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Model, &metric, &level,
			&a.Current, &a.Limit, &a.Percentage); err != nil {
			return nil, err
		}
		a.Metric = model.BudgetMetric(metric)
		a.Level = model.AlertLevel(level)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// CleanOldAlerts 清理过期告警
func (s *Store) CleanOldAlerts(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM budget_alerts WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
