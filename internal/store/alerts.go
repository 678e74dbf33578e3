package store

import (
	"context"
	"fmt"
)

// InsertAlert 写入实时告警（插入后不再修改）
func (s *Store) InsertAlert(ctx context.Context, a *LiveAlert) error {
	if a.Timestamp == "" {
		a.Timestamp = nowString()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO live_alerts (run_id, rule, response, image_path, timestamp, robot_id, stream_source)
VALUES (?,?,?,?,?,?,?)
`, a.RunID, a.Rule, a.Response, a.ImagePath, a.Timestamp, a.RobotID, a.StreamSource)
	if err != nil {
		return fmt.Errorf("insert live alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListAlerts 返回某次巡逻的全部告警
func (s *Store) ListAlerts(ctx context.Context, runID int64) ([]LiveAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, COALESCE(rule,''), COALESCE(response,''), COALESCE(image_path,''),
       COALESCE(timestamp,''), COALESCE(robot_id,''), COALESCE(stream_source,'')
FROM live_alerts
WHERE run_id=?
ORDER BY id ASC
`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiveAlert
	for rows.Next() {
		var a LiveAlert
		if err := rows.Scan(&a.ID, &a.RunID, &a.Rule, &a.Response, &a.ImagePath,
			&a.Timestamp, &a.RobotID, &a.StreamSource); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
