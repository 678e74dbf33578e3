// Package store persists patrol bookkeeping (runs, inspection results, live
// alerts, schedules) in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store 巡逻数据存储
type Store struct {
	db *sql.DB
}

// Open 打开（或创建）数据库并执行迁移
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite：单连接更稳定；busy_timeout 吸收巡逻线程与 worker 线程之间的短暂争用
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// nowString 返回数据库用的时间字符串
func nowString() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
