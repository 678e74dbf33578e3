package vlm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const defaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient Gemini generateContent API 客户端
type GeminiClient struct {
	http   *resty.Client
	apiKey string
	model  string
}

// NewGeminiClient 创建 Gemini 客户端。apiKey 为空时 IsConfigured 返回 false。
func NewGeminiClient(baseURL, apiKey, model string) *GeminiClient {
	if baseURL == "" {
		baseURL = defaultGeminiURL
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	http := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(120 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second)
	return &GeminiClient{http: http, apiKey: apiKey, model: model}
}

// IsConfigured 是否已配置 API key
func (g *GeminiClient) IsConfigured() bool {
	return strings.TrimSpace(g.apiKey) != ""
}

// ModelName 返回模型 id
func (g *GeminiClient) ModelName() string { return g.model }

// --- wire types ---

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata geminiUsage `json:"usageMetadata"`
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (u geminiUsage) normalize() (Usage, string) {
	raw, _ := json.Marshal(u)
	return Usage{
		InputTokens:  u.PromptTokenCount,
		OutputTokens: u.CandidatesTokenCount,
		TotalTokens:  u.TotalTokenCount,
	}, string(raw)
}

func (g *GeminiClient) generate(ctx context.Context, req *geminiRequest) (*geminiResponse, error) {
	if !g.IsConfigured() {
		return nil, errors.New("vlm not configured")
	}
	var out geminiResponse
	endpoint := fmt.Sprintf("/models/%s:generateContent", g.model)
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "vlm generate")
	}
	if resp.IsError() {
		return nil, errors.Errorf("vlm generate: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}

// GenerateInspection 分析单帧图像并返回归一化结果
func (g *GeminiClient) GenerateInspection(ctx context.Context, image []byte, userPrompt, systemPrompt string) (*Outcome, error) {
	if userPrompt == "" {
		userPrompt = "Is everything normal?"
	}
	req := &geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{
					MimeType: "image/jpeg",
					Data:     base64.StdEncoding.EncodeToString(image),
				}},
				{Text: userPrompt + "\n\nAnswer in JSON: {\"is_NG\": bool, \"Description\": string}"},
			},
		}},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	resp, err := g.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	outcome := ParseInspectionText(resp.text())
	outcome.Usage, outcome.UsageJSON = resp.UsageMetadata.normalize()
	return &outcome, nil
}

// GenerateReport 纯文本生成（报告 / Telegram 摘要共用）
func (g *GeminiClient) GenerateReport(ctx context.Context, prompt string) (*TextResult, error) {
	req := &geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	resp, err := g.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	usage, raw := resp.UsageMetadata.normalize()
	return &TextResult{Text: resp.text(), Usage: usage, UsageJSON: raw}, nil
}

// AnalyzeVideo 上传录像并生成分析文本
func (g *GeminiClient) AnalyzeVideo(ctx context.Context, videoPath, prompt string) (*TextResult, error) {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, errors.Wrap(err, "read video")
	}
	req := &geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{
					MimeType: "video/mp4",
					Data:     base64.StdEncoding.EncodeToString(data),
				}},
				{Text: prompt},
			},
		}},
	}
	resp, err := g.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	usage, raw := resp.UsageMetadata.normalize()
	return &TextResult{Text: resp.text(), Usage: usage, UsageJSON: raw}, nil
}

var _ Client = (*GeminiClient)(nil)
