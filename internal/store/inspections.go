package store

import (
	"context"
	"fmt"
)

// InsertInspection 写入点位检查结果（写入后不再修改）
func (s *Store) InsertInspection(ctx context.Context, r *InspectionResult) error {
	if r.Timestamp == "" {
		r.Timestamp = nowString()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO inspection_results
  (run_id, point_name, coordinate_x, coordinate_y, prompt, ai_response,
   is_ng, ai_description, token_usage, input_tokens, output_tokens,
   total_tokens, image_path, timestamp, robot_moving_status, robot_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, r.RunID, r.PointName, r.CoordinateX, r.CoordinateY, r.Prompt, r.AIResponse,
		boolToInt(r.IsNG), r.Description, r.TokenUsage, r.Tokens.Input, r.Tokens.Output,
		r.Tokens.Total, r.ImagePath, r.Timestamp, r.MovingStatus, r.RobotID)
	if err != nil {
		return fmt.Errorf("insert inspection: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListInspections 按写入顺序返回某次巡逻的全部检查结果
func (s *Store) ListInspections(ctx context.Context, runID int64) ([]InspectionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, point_name, COALESCE(coordinate_x,0), COALESCE(coordinate_y,0),
       COALESCE(prompt,''), COALESCE(ai_response,''), COALESCE(is_ng,0),
       COALESCE(ai_description,''), COALESCE(token_usage,''),
       COALESCE(input_tokens,0), COALESCE(output_tokens,0), COALESCE(total_tokens,0),
       COALESCE(image_path,''), COALESCE(timestamp,''), COALESCE(robot_moving_status,''),
       COALESCE(robot_id,'')
FROM inspection_results
WHERE run_id=?
ORDER BY id ASC
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InspectionResult
	for rows.Next() {
		var (
			r    InspectionResult
			isNG int
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.PointName, &r.CoordinateX, &r.CoordinateY,
			&r.Prompt, &r.AIResponse, &isNG, &r.Description, &r.TokenUsage,
			&r.Tokens.Input, &r.Tokens.Output, &r.Tokens.Total,
			&r.ImagePath, &r.Timestamp, &r.MovingStatus, &r.RobotID,
		); err != nil {
			return nil, err
		}
		r.IsNG = isNG != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountInspections 统计某次巡逻的检查结果条数
func (s *Store) CountInspections(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inspection_results WHERE run_id=?`, runID).Scan(&n)
	return n, err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
