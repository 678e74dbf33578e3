package patrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/sigma-robotics/patrol/internal/store"
	"github.com/sigma-robotics/patrol/pkg/logger"
)

// buildReportPrompt 拼接报告生成提示词：点位结果 + 视频分析 + 实时告警
func buildReportPrompt(customPrompt string, items []reportItem, videoAnalysis *string, alerts []store.LiveAlert) string {
	var b strings.Builder
	custom := strings.TrimSpace(customPrompt)
	if custom != "" {
		b.WriteString(custom)
		b.WriteString("\n\n")
	} else {
		b.WriteString("Generate a summary report for this patrol:\n\n")
	}

	for _, item := range items {
		fmt.Fprintf(&b, "- Point: %s\n  Result: %s\n\n", item.Point, item.Result)
	}

	if videoAnalysis != nil && *videoAnalysis != "" {
		fmt.Fprintf(&b, "\n\nVideo Analysis Summary:\n%s\n\n", *videoAnalysis)
	}

	if len(alerts) > 0 {
		fmt.Fprintf(&b, "\n\nLive Monitor Alerts (%d triggered):\n", len(alerts))
		for _, a := range alerts {
			fmt.Fprintf(&b, "- [%s] Rule: %s -> %s\n", a.Timestamp, a.Rule, a.Response)
		}
		b.WriteString("\n")
	}

	if custom == "" {
		b.WriteString("Provide a concise overview of status and anomalies.")
	}
	return b.String()
}

// generateReport 生成并保存 AI 汇总报告，可选发送 Telegram 通知。
// 任何失败只记日志，不影响任务收尾。
func (o *Orchestrator) generateReport(ctx context.Context, runID int64, items []reportItem,
	videoAnalysis *string, alerts []store.LiveAlert) {

	if len(items) == 0 {
		return
	}

	prompt := buildReportPrompt(o.cfg.Settings.ReportPrompt, items, videoAnalysis, alerts)
	res, err := o.ai.GenerateReport(ctx, prompt)
	if err != nil {
		logger.Errorf("报告生成失败: %v", err)
		return
	}

	tokens := store.TokenCounts{
		Input:  res.Usage.InputTokens,
		Output: res.Usage.OutputTokens,
		Total:  res.Usage.TotalTokens,
	}
	if err := o.db.SaveReport(ctx, runID, res.Text, res.UsageJSON, tokens); err != nil {
		logger.Errorf("报告落库失败: %v", err)
	} else {
		logger.Info("报告已生成并保存")
	}

	if o.cfg.Settings.EnableTelegram && o.notifier != nil && o.notifier.Enabled() {
		msg, tgTokens := o.generateTelegramMessage(ctx, items, videoAnalysis)
		if err := o.db.SaveTelegramTokens(ctx, runID, tgTokens); err != nil {
			logger.Errorf("telegram token 落库失败: %v", err)
		}
		o.sendTelegramNotification(ctx, runID, msg, res.Text)
	}
}

// generateTelegramMessage 用 AI 生成简短的 Telegram 摘要。
// 失败时返回兜底文案与零 token。
func (o *Orchestrator) generateTelegramMessage(ctx context.Context, items []reportItem, videoAnalysis *string) (string, store.TokenCounts) {
	custom := strings.TrimSpace(o.cfg.Settings.TelegramPrompt)
	if custom == "" {
		custom = "Generate a concise Telegram notification summarizing this patrol."
	}

	var b strings.Builder
	b.WriteString(custom)
	b.WriteString("\n\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- Point: %s\n  Result: %s\n\n", item.Point, item.Result)
	}
	if videoAnalysis != nil && *videoAnalysis != "" {
		fmt.Fprintf(&b, "\nVideo Analysis Summary:\n%s\n\n", *videoAnalysis)
	}

	res, err := o.ai.GenerateReport(ctx, b.String())
	if err != nil {
		logger.Errorf("telegram 摘要生成失败: %v", err)
		return "Patrol completed. Failed to generate summary.", store.TokenCounts{}
	}
	return res.Text, store.TokenCounts{
		Input:  res.Usage.InputTokens,
		Output: res.Usage.OutputTokens,
		Total:  res.Usage.TotalTokens,
	}
}

// sendTelegramNotification 发送摘要消息与完整报告附件。失败只记日志。
func (o *Orchestrator) sendTelegramNotification(ctx context.Context, runID int64, message, reportText string) {
	logger.Info("发送 Telegram 通知...")
	_ = o.notifier.SendMessage(ctx, message)

	filename := fmt.Sprintf("Patrol_Report_%d.md", runID)
	if run, err := o.db.GetRun(ctx, runID); err == nil && run != nil && run.StartTime != "" {
		ts := strings.NewReplacer(" ", "_", ":", "").Replace(run.StartTime)
		filename = fmt.Sprintf("Patrol_Report_%s.md", ts)
	}
	_ = o.notifier.SendDocument(ctx, filename, []byte(reportText), "Patrol report")
}
