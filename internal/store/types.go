package store

// TokenCounts 单次 AI 调用的 token 统计
type TokenCounts struct {
	Input  int64 `json:"input_tokens"`
	Output int64 `json:"output_tokens"`
	Total  int64 `json:"total_tokens"`
}

// PatrolRun 一次巡逻任务的记录
type PatrolRun struct {
	ID          int64   `json:"id"`
	StartTime   string  `json:"start_time"`
	EndTime     *string `json:"end_time,omitempty"`
	Status      string  `json:"status"`
	RobotSerial string  `json:"robot_serial"`
	RobotID     string  `json:"robot_id"`
	ModelID     string  `json:"model_id"`

	ReportContent *string `json:"report_content,omitempty"`
	TokenUsage    *string `json:"token_usage,omitempty"`

	Tokens         TokenCounts `json:"tokens"`
	ReportTokens   TokenCounts `json:"report_tokens"`
	TelegramTokens TokenCounts `json:"telegram_tokens"`
	VideoTokens    TokenCounts `json:"video_tokens"`

	VideoPath     *string `json:"video_path,omitempty"`
	VideoAnalysis *string `json:"video_analysis,omitempty"`
}

// InspectionResult 单个点位的检查结果（移动失败时也写一条）
type InspectionResult struct {
	ID           int64       `json:"id"`
	RunID        int64       `json:"run_id"`
	PointName    string      `json:"point_name"`
	CoordinateX  float64     `json:"coordinate_x"`
	CoordinateY  float64     `json:"coordinate_y"`
	Prompt       string      `json:"prompt"`
	AIResponse   string      `json:"ai_response"`
	IsNG         bool        `json:"is_ng"`
	Description  string      `json:"ai_description"`
	TokenUsage   string      `json:"token_usage"`
	Tokens       TokenCounts `json:"tokens"`
	ImagePath    string      `json:"image_path"`
	Timestamp    string      `json:"timestamp"`
	MovingStatus string      `json:"robot_moving_status"`
	RobotID      string      `json:"robot_id"`
}

// LiveAlert 实时监控触发的告警（插入后不再修改）
type LiveAlert struct {
	ID           int64  `json:"id"`
	RunID        int64  `json:"run_id"`
	Rule         string `json:"rule"`
	Response     string `json:"response"`
	ImagePath    string `json:"image_path"`
	Timestamp    string `json:"timestamp"`
	RobotID      string `json:"robot_id"`
	StreamSource string `json:"stream_source"`
}

// ScheduleEntry 定时巡逻条目
type ScheduleEntry struct {
	ID      string `json:"id"`
	Time    string `json:"time"` // HH:MM
	Days    []int  `json:"days"` // 0=Monday .. 6=Sunday
	Enabled bool   `json:"enabled"`
}
