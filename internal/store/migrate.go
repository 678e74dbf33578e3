package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS patrol_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  start_time TEXT,
  end_time TEXT,
  status TEXT,
  robot_serial TEXT,
  robot_id TEXT,
  model_id TEXT,
  report_content TEXT,
  token_usage TEXT,
  input_tokens INTEGER,
  output_tokens INTEGER,
  total_tokens INTEGER,
  report_input_tokens INTEGER,
  report_output_tokens INTEGER,
  report_total_tokens INTEGER,
  telegram_input_tokens INTEGER,
  telegram_output_tokens INTEGER,
  telegram_total_tokens INTEGER,
  video_input_tokens INTEGER,
  video_output_tokens INTEGER,
  video_total_tokens INTEGER,
  video_path TEXT,
  video_analysis TEXT
);`,
		`
CREATE TABLE IF NOT EXISTS inspection_results (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id INTEGER REFERENCES patrol_runs(id),
  point_name TEXT,
  coordinate_x REAL,
  coordinate_y REAL,
  prompt TEXT,
  ai_response TEXT,
  is_ng INTEGER,
  ai_description TEXT,
  token_usage TEXT,
  input_tokens INTEGER,
  output_tokens INTEGER,
  total_tokens INTEGER,
  image_path TEXT,
  timestamp TEXT,
  robot_moving_status TEXT,
  robot_id TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_inspection_results_run ON inspection_results(run_id);`,
		`
CREATE TABLE IF NOT EXISTS live_alerts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id INTEGER REFERENCES patrol_runs(id),
  rule TEXT,
  response TEXT,
  image_path TEXT,
  timestamp TEXT,
  robot_id TEXT,
  stream_source TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_live_alerts_run ON live_alerts(run_id);`,
		`
CREATE TABLE IF NOT EXISTS patrol_schedules (
  id TEXT PRIMARY KEY,
  time TEXT NOT NULL,
  days TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1
);`,
	}

	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate exec failed: %w", err)
		}
	}

	// 兼容：旧库使用 prompt_tokens/candidate_tokens 命名时补齐新列
	for _, m := range []struct {
		table string
		col   string
		ddl   string
	}{
		{"inspection_results", "input_tokens", `ALTER TABLE inspection_results ADD COLUMN input_tokens INTEGER;`},
		{"inspection_results", "output_tokens", `ALTER TABLE inspection_results ADD COLUMN output_tokens INTEGER;`},
		{"inspection_results", "total_tokens", `ALTER TABLE inspection_results ADD COLUMN total_tokens INTEGER;`},
		{"inspection_results", "robot_id", `ALTER TABLE inspection_results ADD COLUMN robot_id TEXT;`},
		{"patrol_runs", "video_path", `ALTER TABLE patrol_runs ADD COLUMN video_path TEXT;`},
		{"patrol_runs", "video_analysis", `ALTER TABLE patrol_runs ADD COLUMN video_analysis TEXT;`},
		{"live_alerts", "stream_source", `ALTER TABLE live_alerts ADD COLUMN stream_source TEXT;`},
	} {
		ok, err := hasColumn(ctx, s.db, m.table, m.col)
		if err != nil {
			return err
		}
		if !ok {
			if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
				return fmt.Errorf("alter %s add %s: %w", m.table, m.col, err)
			}
		}
	}

	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table string, col string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	// PRAGMA table_info 返回：cid,name,type,notnull,dflt_value,pk
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}
