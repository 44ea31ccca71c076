// Package redis 封装 go-redis 的 UniversalClient，单节点和集群使用同一套接口。
package redis

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"ordersync/internal/pkg/logger"
)

var ErrScriptNotLoaded = errors.New("redis script not loaded")

// Client 持有底层连接和按名称注册的 Lua 脚本
type Client struct {
	client redis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 按逗号分隔的地址创建客户端，多个地址时走集群模式
func NewClient(addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("redis: no address configured")
	}

	c := NewFromUniversal(redis.NewUniversalClient(&redis.UniversalOptions{Addrs: list}))
	if err := c.client.Ping(context.Background()).Err(); err != nil {
		_ = c.client.Close()
		return nil, errors.Wrapf(err, "redis: ping %s", addrs)
	}
	logger.Ctx(context.Background()).Info().Strs("addrs", list).Msg("✅ Connected to Redis")
	return c, nil
}

// NewFromUniversal 包装一个已有连接，测试里配合 miniredis 使用
func NewFromUniversal(c redis.UniversalClient) *Client {
	return &Client{client: c, scripts: make(map[string]*redis.Script)}
}

// GetClient 暴露底层连接，用于 pipeline 等原生操作
func (c *Client) GetClient() redis.UniversalClient {
	return c.client
}

// LoadScriptFromContent 注册脚本并预加载到服务端
func (c *Client) LoadScriptFromContent(name, content string) error {
	script := redis.NewScript(content)
	if err := script.Load(context.Background(), c.client).Err(); err != nil {
		return errors.Wrapf(err, "redis: load script %s", name)
	}
	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本，EVALSHA 未命中时自动回退到 EVAL
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrScriptNotLoaded, name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) Close() error {
	return c.client.Close()
}
