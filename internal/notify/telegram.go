// Package notify sends patrol notifications to Telegram. Delivery failures
// are logged and never propagated into the mission flow.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/sigma-robotics/patrol/pkg/logger"
)

const telegramAPI = "https://api.telegram.org"

// Telegram Bot API 客户端
type Telegram struct {
	http   *resty.Client
	token  string
	chatID string
}

// NewTelegram 创建 Telegram 通知器。token 或 chatID 为空时 Enabled 返回 false。
func NewTelegram(token, chatID string) *Telegram {
	http := resty.New().
		SetBaseURL(telegramAPI).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)
	return &Telegram{http: http, token: token, chatID: chatID}
}

// Enabled 是否已配置凭证
func (t *Telegram) Enabled() bool {
	return strings.TrimSpace(t.token) != "" && strings.TrimSpace(t.chatID) != ""
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) post(ctx context.Context, method string, build func(r *resty.Request) *resty.Request) error {
	if !t.Enabled() {
		return errors.New("telegram not configured")
	}
	var out telegramResponse
	r := t.http.R().SetContext(ctx).SetResult(&out)
	resp, err := build(r).Post(fmt.Sprintf("/bot%s/%s", t.token, method))
	if err != nil {
		return errors.Wrapf(err, "telegram %s", method)
	}
	if resp.IsError() || !out.OK {
		return errors.Errorf("telegram %s: HTTP %d: %s", method, resp.StatusCode(), out.Description)
	}
	return nil
}

// SendMessage 发送 Markdown 文本消息
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	err := t.post(ctx, "sendMessage", func(r *resty.Request) *resty.Request {
		return r.SetBody(map[string]any{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "Markdown",
		})
	})
	if err != nil {
		logger.Errorf("telegram 消息发送失败: %v", err)
	}
	return err
}

// SendPhoto 发送 JPEG 图片及说明文字
func (t *Telegram) SendPhoto(ctx context.Context, caption string, image []byte) error {
	err := t.post(ctx, "sendPhoto", func(r *resty.Request) *resty.Request {
		return r.
			SetFileReader("photo", "alert.jpg", bytes.NewReader(image)).
			SetFormData(map[string]string{
				"chat_id": t.chatID,
				"caption": caption,
			})
	})
	if err != nil {
		logger.Errorf("telegram 图片发送失败: %v", err)
	}
	return err
}

// SendDocument 发送文件（巡逻报告等）
func (t *Telegram) SendDocument(ctx context.Context, filename string, data []byte, caption string) error {
	err := t.post(ctx, "sendDocument", func(r *resty.Request) *resty.Request {
		return r.
			SetFileReader("document", filename, bytes.NewReader(data)).
			SetFormData(map[string]string{
				"chat_id": t.chatID,
				"caption": caption,
			})
	})
	if err != nil {
		logger.Errorf("telegram 文件发送失败: %v", err)
	}
	return err
}
