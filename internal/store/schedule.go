package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AddSchedule 新增定时巡逻条目。days 为空时默认每天。
func (s *Store) AddSchedule(ctx context.Context, timeStr string, days []int, enabled bool) (*ScheduleEntry, error) {
	if len(days) == 0 {
		days = []int{0, 1, 2, 3, 4, 5, 6}
	}
	entry := &ScheduleEntry{
		ID:      uuid.NewString()[:8],
		Time:    timeStr,
		Days:    days,
		Enabled: enabled,
	}
	daysJSON, err := json.Marshal(entry.Days)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO patrol_schedules (id, time, days, enabled) VALUES (?,?,?,?)
`, entry.ID, entry.Time, string(daysJSON), boolToInt(entry.Enabled))
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return entry, nil
}

// UpdateSchedule 更新定时条目；nil 字段保持不变
func (s *Store) UpdateSchedule(ctx context.Context, id string, timeStr *string, days []int, enabled *bool) error {
	existing, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("schedule %s not found", id)
	}
	if timeStr != nil {
		existing.Time = *timeStr
	}
	if days != nil {
		existing.Days = days
	}
	if enabled != nil {
		existing.Enabled = *enabled
	}
	daysJSON, err := json.Marshal(existing.Days)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE patrol_schedules SET time=?, days=?, enabled=? WHERE id=?
`, existing.Time, string(daysJSON), boolToInt(existing.Enabled), id)
	return err
}

// DeleteSchedule 删除定时条目
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM patrol_schedules WHERE id=?`, id)
	return err
}

// GetSchedule 按 id 查询；不存在时返回 (nil, nil)
func (s *Store) GetSchedule(ctx context.Context, id string) (*ScheduleEntry, error) {
	entries, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// ListSchedules 返回全部定时条目
func (s *Store) ListSchedules(ctx context.Context) ([]ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, time, days, enabled FROM patrol_schedules ORDER BY time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleEntry
	for rows.Next() {
		var (
			e        ScheduleEntry
			daysJSON string
			enabled  int
		)
		if err := rows.Scan(&e.ID, &e.Time, &daysJSON, &enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(daysJSON), &e.Days); err != nil {
			// 损坏的 days 字段按每天处理
			e.Days = []int{0, 1, 2, 3, 4, 5, 6}
		}
		e.Enabled = enabled != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
