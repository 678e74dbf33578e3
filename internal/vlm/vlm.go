// Package vlm defines the vision-language-model boundary. Provider responses
// are normalized into fixed result structs here, so the patrol core never
// sees provider-shaped payloads.
package vlm

import (
	"context"
	"encoding/json"
	"strings"
)

// Usage 一次调用的 token 统计
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Outcome 归一化后的检查结果
type Outcome struct {
	IsNG        bool   // 是否异常
	Description string // 异常描述（正常时为空或说明文字）
	ResultText  string // 原始结果文本（JSON 或纯文本）
	Usage       Usage
	UsageJSON   string // 原始 usage 负载，便于审计
}

// TextResult 报告 / 视频分析等纯文本调用的结果
type TextResult struct {
	Text      string
	Usage     Usage
	UsageJSON string
}

// Client VLM 服务接口
type Client interface {
	// IsConfigured 凭证缺失时返回 false 而不是在调用处抛错
	IsConfigured() bool
	ModelName() string
	// GenerateInspection 分析单帧图像，返回归一化的 OK/NG 结果
	GenerateInspection(ctx context.Context, image []byte, userPrompt, systemPrompt string) (*Outcome, error)
	GenerateReport(ctx context.Context, prompt string) (*TextResult, error)
	AnalyzeVideo(ctx context.Context, videoPath, prompt string) (*TextResult, error)
}

// inspectionPayload 模型被要求返回的 JSON 形状
type inspectionPayload struct {
	IsNG        bool   `json:"is_NG"`
	Description string `json:"Description"`
}

// ParseInspectionText 把模型文本归一成 Outcome（usage 由调用方填充）。
// 模型偶尔会在 JSON 外包裹说明文字或代码块，这里尽量宽松地解析；
// 完全不是 JSON 时退化为字符串启发式。
func ParseInspectionText(text string) Outcome {
	out := Outcome{ResultText: text}

	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	// 截取首个 { 到最后一个 } 之间的内容
	if i := strings.Index(cleaned, "{"); i >= 0 {
		if j := strings.LastIndex(cleaned, "}"); j > i {
			var payload inspectionPayload
			if err := json.Unmarshal([]byte(cleaned[i:j+1]), &payload); err == nil {
				out.IsNG = payload.IsNG
				out.Description = payload.Description
				return out
			}
		}
	}

	out.Description = cleaned
	out.IsNG = strings.Contains(strings.ToLower(cleaned), "ng")
	return out
}
