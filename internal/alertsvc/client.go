// Package alertsvc talks to the external alert-evaluation service: stream
// registration and rule management over REST, triggered events over a
// persistent WebSocket.
package alertsvc

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Stream 外部告警服务中登记的一路视频流
type Stream struct {
	ID   string `json:"stream_id"`
	URL  string `json:"rtsp_url"`
	Name string `json:"name"`
}

// Client 告警服务 REST 客户端
type Client struct {
	http    *resty.Client
	baseURL string
}

// NewClient 创建告警服务客户端
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)
	return &Client{http: http, baseURL: baseURL}
}

// BaseURL 返回服务地址（事件监听器据此推导 ws 地址）
func (c *Client) BaseURL() string { return c.baseURL }

// RegisterStream 登记一路视频流，返回服务端分配的 stream_id
func (c *Client) RegisterStream(ctx context.Context, rtspURL, name string) (string, error) {
	var out struct {
		StreamID string `json:"stream_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"rtsp_url": rtspURL, "name": name}).
		SetResult(&out).
		Post("/api/streams")
	if err != nil {
		return "", errors.Wrap(err, "register stream")
	}
	if resp.IsError() {
		return "", errors.Errorf("register stream: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	if out.StreamID == "" {
		return "", errors.New("register stream: empty stream_id")
	}
	return out.StreamID, nil
}

// SetRules 为指定流下发规则集合
func (c *Client) SetRules(ctx context.Context, streamID string, rules []string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"rules": rules}).
		Post("/api/streams/" + streamID + "/rules")
	if err != nil {
		return errors.Wrap(err, "set rules")
	}
	if resp.IsError() {
		return errors.Errorf("set rules: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// DeregisterStream 注销指定流
func (c *Client) DeregisterStream(ctx context.Context, streamID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/api/streams/" + streamID)
	if err != nil {
		return errors.Wrap(err, "deregister stream")
	}
	if resp.IsError() {
		return errors.Errorf("deregister stream: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// ListStreams 查询当前登记的所有流
func (c *Client) ListStreams(ctx context.Context) ([]Stream, error) {
	var out struct {
		Streams []Stream `json:"streams"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/api/streams")
	if err != nil {
		return nil, errors.Wrap(err, "list streams")
	}
	if resp.IsError() {
		return nil, errors.Errorf("list streams: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Streams, nil
}
