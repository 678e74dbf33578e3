package robot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client 通过 HTTP 桥接服务访问厂商驱动的 Driver 实现
type Client struct {
	http *resty.Client

	mu     sync.RWMutex
	serial string
}

// NewClient 创建驱动桥接客户端
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(120 * time.Second). // 移动指令阻塞至到达，超时放宽
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	return &Client{http: http}
}

// Connect 建立连接并缓存序列号
func (c *Client) Connect(ctx context.Context) error {
	var out struct {
		Serial string `json:"serial"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Post("/connect")
	if err != nil {
		return errors.Wrap(err, "driver connect")
	}
	if resp.IsError() {
		return errors.Errorf("driver connect: HTTP %d", resp.StatusCode())
	}
	c.mu.Lock()
	c.serial = out.Serial
	c.mu.Unlock()
	return nil
}

// MoveTo 阻塞移动到指定位姿
func (c *Client) MoveTo(ctx context.Context, x, y, theta float64) (*MoveResult, error) {
	var out MoveResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"x": x, "y": y, "theta": theta, "wait": true}).
		SetResult(&out).
		Post("/move")
	if err != nil {
		return nil, errors.Wrap(err, "driver move")
	}
	if resp.IsError() {
		return nil, errors.Errorf("driver move: HTTP %d", resp.StatusCode())
	}
	return &out, nil
}

// ReturnHome 让机器人返回充电座
func (c *Client) ReturnHome(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/return_home")
	if err != nil {
		return errors.Wrap(err, "driver return home")
	}
	if resp.IsError() {
		return errors.Errorf("driver return home: HTTP %d", resp.StatusCode())
	}
	return nil
}

// CancelCommand 取消当前移动指令
func (c *Client) CancelCommand(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Post("/cancel")
	if err != nil {
		return errors.Wrap(err, "driver cancel")
	}
	if resp.IsError() {
		return errors.Errorf("driver cancel: HTTP %d", resp.StatusCode())
	}
	return nil
}

// CaptureFrontFrame 抓取前置相机 JPEG 帧
func (c *Client) CaptureFrontFrame(ctx context.Context) ([]byte, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/camera/front")
	if err != nil {
		return nil, errors.Wrap(err, "driver capture frame")
	}
	if resp.IsError() {
		return nil, errors.Errorf("driver capture frame: HTTP %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, errors.New("driver capture frame: empty body")
	}
	return body, nil
}

// Serial 返回连接时缓存的序列号
func (c *Client) Serial() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serial
}

// Locations 查询机器人已知位置列表
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var out []Location
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/locations")
	if err != nil {
		return nil, errors.Wrap(err, "driver locations")
	}
	if resp.IsError() {
		return nil, errors.Errorf("driver locations: HTTP %d", resp.StatusCode())
	}
	return out, nil
}

var _ Driver = (*Client)(nil)
