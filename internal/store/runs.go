package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertRun 创建巡逻记录（status=Running），返回新记录 id
func (s *Store) InsertRun(ctx context.Context, robotSerial, robotID, modelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO patrol_runs (start_time, status, robot_serial, robot_id, model_id)
VALUES (?,?,?,?,?)
`, nowString(), "Running", robotSerial, robotID, modelID)
	if err != nil {
		return 0, fmt.Errorf("insert patrol run: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun 写入结束时间与最终状态（视频字段可为空）
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, videoPath, videoAnalysis *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE patrol_runs
SET end_time=?, status=?, video_path=?, video_analysis=?
WHERE id=?
`, nowString(), status, videoPath, videoAnalysis, runID)
	return err
}

// UpdateRunStatus 仅更新状态字符串
func (s *Store) UpdateRunStatus(ctx context.Context, runID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE patrol_runs SET status=? WHERE id=?`, status, runID)
	return err
}

// SaveReport 保存报告正文与报告阶段的 token 统计
func (s *Store) SaveReport(ctx context.Context, runID int64, content string, usageJSON string, tokens TokenCounts) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE patrol_runs
SET report_content=?, token_usage=?,
    report_input_tokens=?, report_output_tokens=?, report_total_tokens=?
WHERE id=?
`, content, usageJSON, tokens.Input, tokens.Output, tokens.Total, runID)
	return err
}

// SaveTelegramTokens 保存 Telegram 摘要阶段的 token 统计
func (s *Store) SaveTelegramTokens(ctx context.Context, runID int64, tokens TokenCounts) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE patrol_runs
SET telegram_input_tokens=?, telegram_output_tokens=?, telegram_total_tokens=?
WHERE id=?
`, tokens.Input, tokens.Output, tokens.Total, runID)
	return err
}

// SaveVideoTokens 保存视频分析阶段的 token 统计
func (s *Store) SaveVideoTokens(ctx context.Context, runID int64, tokens TokenCounts) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE patrol_runs
SET video_input_tokens=?, video_output_tokens=?, video_total_tokens=?
WHERE id=?
`, tokens.Input, tokens.Output, tokens.Total, runID)
	return err
}

// UpdateRunTokenTotals 把各阶段 token 计数汇总到 run 的总计字段
func (s *Store) UpdateRunTokenTotals(ctx context.Context, runID int64) error {
	row := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(input_tokens), 0),
  COALESCE(SUM(output_tokens), 0),
  COALESCE(SUM(total_tokens), 0)
FROM inspection_results
WHERE run_id=?
`, runID)
	var insp TokenCounts
	if err := row.Scan(&insp.Input, &insp.Output, &insp.Total); err != nil {
		return fmt.Errorf("sum inspection tokens: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
UPDATE patrol_runs
SET input_tokens  = ? + COALESCE(report_input_tokens,0)  + COALESCE(telegram_input_tokens,0)  + COALESCE(video_input_tokens,0),
    output_tokens = ? + COALESCE(report_output_tokens,0) + COALESCE(telegram_output_tokens,0) + COALESCE(video_output_tokens,0),
    total_tokens  = ? + COALESCE(report_total_tokens,0)  + COALESCE(telegram_total_tokens,0)  + COALESCE(video_total_tokens,0)
WHERE id=?
`, insp.Input, insp.Output, insp.Total, runID)
	return err
}

// GetRun 按 id 查询；不存在时返回 (nil, nil)
func (s *Store) GetRun(ctx context.Context, runID int64) (*PatrolRun, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, start_time, end_time, status, robot_serial, robot_id, model_id,
       report_content, token_usage,
       COALESCE(input_tokens,0), COALESCE(output_tokens,0), COALESCE(total_tokens,0),
       COALESCE(report_input_tokens,0), COALESCE(report_output_tokens,0), COALESCE(report_total_tokens,0),
       COALESCE(telegram_input_tokens,0), COALESCE(telegram_output_tokens,0), COALESCE(telegram_total_tokens,0),
       COALESCE(video_input_tokens,0), COALESCE(video_output_tokens,0), COALESCE(video_total_tokens,0),
       video_path, video_analysis
FROM patrol_runs
WHERE id=?
`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

// ListRuns 按开始时间倒序列出最近的巡逻记录
func (s *Store) ListRuns(ctx context.Context, limit int) ([]PatrolRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, start_time, end_time, status, robot_serial, robot_id, model_id,
       report_content, token_usage,
       COALESCE(input_tokens,0), COALESCE(output_tokens,0), COALESCE(total_tokens,0),
       COALESCE(report_input_tokens,0), COALESCE(report_output_tokens,0), COALESCE(report_total_tokens,0),
       COALESCE(telegram_input_tokens,0), COALESCE(telegram_output_tokens,0), COALESCE(telegram_total_tokens,0),
       COALESCE(video_input_tokens,0), COALESCE(video_output_tokens,0), COALESCE(video_total_tokens,0),
       video_path, video_analysis
FROM patrol_runs
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PatrolRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*PatrolRun, error) {
	var (
		r             PatrolRun
		endTime       sql.NullString
		reportContent sql.NullString
		tokenUsage    sql.NullString
		videoPath     sql.NullString
		videoAnalysis sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.StartTime, &endTime, &r.Status, &r.RobotSerial, &r.RobotID, &r.ModelID,
		&reportContent, &tokenUsage,
		&r.Tokens.Input, &r.Tokens.Output, &r.Tokens.Total,
		&r.ReportTokens.Input, &r.ReportTokens.Output, &r.ReportTokens.Total,
		&r.TelegramTokens.Input, &r.TelegramTokens.Output, &r.TelegramTokens.Total,
		&r.VideoTokens.Input, &r.VideoTokens.Output, &r.VideoTokens.Total,
		&videoPath, &videoAnalysis,
	); err != nil {
		return nil, err
	}
	if endTime.Valid {
		v := endTime.String
		r.EndTime = &v
	}
	if reportContent.Valid {
		v := reportContent.String
		r.ReportContent = &v
	}
	if tokenUsage.Valid {
		v := tokenUsage.String
		r.TokenUsage = &v
	}
	if videoPath.Valid {
		v := videoPath.String
		r.VideoPath = &v
	}
	if videoAnalysis.Valid {
		v := videoAnalysis.String
		r.VideoAnalysis = &v
	}
	return &r, nil
}
