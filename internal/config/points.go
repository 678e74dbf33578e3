package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// PatrolPoint 巡逻点位（由 UI/配置层维护，巡逻核心只读）
type PatrolPoint struct {
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Theta   float64 `json:"theta"`
	Prompt  string  `json:"prompt"`
	Enabled bool    `json:"enabled"`
}

// LoadPoints 从 JSON 文件读取点位列表；文件不存在时返回空列表
func LoadPoints(path string) ([]PatrolPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read points %s: %w", path, err)
	}
	var points []PatrolPoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parse points %s: %w", path, err)
	}
	return points, nil
}

// EnabledPoints 过滤出启用的点位
func EnabledPoints(points []PatrolPoint) []PatrolPoint {
	out := make([]PatrolPoint, 0, len(points))
	for _, p := range points {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
