package application

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"ordersync/internal/service/orderstatus/classifier"
	"ordersync/internal/service/orderstatus/domain"
	"ordersync/internal/service/orderstatus/port"
	"ordersync/internal/service/orderstatus/resolver"
)

// Config 对应配置文件中的 app 段
type Config struct {
	UsePendingQueue     bool                    `yaml:"use_pending_queue"`
	StrictValidation    bool                    `yaml:"strict_validation"`
	EnableStatusLogging bool                    `yaml:"enable_status_logging"`
	MaxPendingAge       time.Duration           `yaml:"max_pending_age"`
	SweepInterval       time.Duration           `yaml:"sweep_interval"`
	DrainInterval       time.Duration           `yaml:"drain_interval"`
	Retry               RetryConfig             `yaml:"retry"`
	ChatMap             ChatMapConfig           `yaml:"chat_map"`
	HistoryLimit        int                     `yaml:"history_limit"`
	Rules               []classifier.RuleConfig `yaml:"rules"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type ChatMapConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxPerAccount int           `yaml:"max_per_account"`
}

func DefaultConfig() Config {
	return Config{
		UsePendingQueue:     true,
		StrictValidation:    true,
		EnableStatusLogging: true,
		MaxPendingAge:       24 * time.Hour,
		SweepInterval:       10 * time.Minute,
		DrainInterval:       time.Minute,
		Retry:               RetryConfig{Attempts: 3, Backoff: 100 * time.Millisecond},
		ChatMap:             ChatMapConfig{TTL: resolver.DefaultChatMapTTL, MaxPerAccount: resolver.DefaultChatMapMaxEntries},
		HistoryLimit:        domain.DefaultHistoryLimit,
	}
}

// withDefaults 把未配置的数值项补成默认值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPendingAge <= 0 {
		c.MaxPendingAge = d.MaxPendingAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = d.Retry.Attempts
	}
	if c.Retry.Backoff < 0 {
		c.Retry.Backoff = d.Retry.Backoff
	}
	if c.ChatMap.TTL <= 0 {
		c.ChatMap.TTL = d.ChatMap.TTL
	}
	if c.ChatMap.MaxPerAccount <= 0 {
		c.ChatMap.MaxPerAccount = d.ChatMap.MaxPerAccount
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}

type Option func(*ReconciliationService)

// WithClock 替换时间源，测试用
func WithClock(now func() time.Time) Option {
	return func(s *ReconciliationService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *ReconciliationService) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithPublisher 设置状态变更事件的发布端口，可多次调用
func WithPublisher(p port.StatusEventPublisher) Option {
	return func(s *ReconciliationService) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("ordersync/orderstatus")
}
