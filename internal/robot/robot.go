// Package robot defines the boundary to the vendor motion/camera driver.
// The patrol core only consumes the Driver interface; the HTTP bridge client
// below talks to the on-robot driver daemon.
package robot

import (
	"context"
	"fmt"
)

// MoveResult 一次移动指令的结果
type MoveResult struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
}

// Location 机器人已知位置
type Location struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// Driver 机器人驱动接口
//
// 所有方法都可能因传输故障返回错误；巡逻核心不会让这些错误越过单个点位的边界。
type Driver interface {
	Connect(ctx context.Context) error
	// MoveTo 阻塞直到机器人到达或报错（超时语义由驱动侧管理）
	MoveTo(ctx context.Context, x, y, theta float64) (*MoveResult, error)
	ReturnHome(ctx context.Context) error
	CancelCommand(ctx context.Context) error
	// CaptureFrontFrame 返回前置相机当前帧的 JPEG 字节
	CaptureFrontFrame(ctx context.Context) ([]byte, error)
	Serial() string
	Locations(ctx context.Context) ([]Location, error)
}

// MoveStatus 把移动结果归一成状态字符串："Success" 或 "Error: <原因>"
func MoveStatus(result *MoveResult, err error) string {
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if result == nil {
		return "Error: No Result"
	}
	if result.Success {
		return "Success"
	}
	code := result.ErrorCode
	if code == "" {
		code = "Unknown"
	}
	return fmt.Sprintf("Error: %s", code)
}
