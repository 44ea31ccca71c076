// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ordersync/internal/pkg/logger"
	"ordersync/internal/pkg/nacos"
)

// Config 是所有服务共享的基础设施配置，业务配置放在 app 段
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Infra   InfraConfig   `yaml:"infra"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type InfraConfig struct {
	Jaeger JaegerConfig `yaml:"jaeger"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Nacos  NacosConfig  `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	GroupID           string   `yaml:"group_id"`
	NotificationTopic string   `yaml:"notification_topic"`
	StatusTopic       string   `yaml:"status_topic"`
	DeadLetterTopic   string   `yaml:"dead_letter_topic"`
}

type MySQLConfig struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN 交给驱动自己拼接，避免手写转义
func (m MySQLConfig) DSN() string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = m.Addr
	c.User = m.User
	c.Passwd = m.Password
	c.DBName = m.Database
	c.ParseTime = true
	c.Loc = time.UTC
	c.Params = map[string]string{"charset": "utf8mb4"}
	return c.FormatDSN()
}

type RedisConfig struct {
	Addrs    string        `yaml:"addrs"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NacosConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	DataID      string `yaml:"data_id"`
}

var (
	configMu      sync.RWMutex
	currentConfig = defaultConfig()

	nacosConfigClient *nacos.ConfigClient
)

func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Port: 8080, LogLevel: "info"},
		Infra: InfraConfig{
			Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
			Kafka: KafkaConfig{
				Brokers:           []string{"localhost:9092"},
				NotificationTopic: "marketplace-notifications",
				StatusTopic:       "order-status-changed",
				DeadLetterTopic:   "marketplace-notifications-dlt",
			},
			MySQL: MySQLConfig{Addr: "localhost:3306", User: "root", Database: "ordersync"},
			Redis: RedisConfig{Addrs: "localhost:6379", CacheTTL: 5 * time.Minute},
			Nacos: NacosConfig{ServerAddrs: "localhost:8848", Group: nacos.DefaultGroup},
		},
	}
}

// GetCurrentConfig 返回当前生效配置的副本
func GetCurrentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return *currentConfig
}

// fileConfig 用来把业务段延迟解码到调用方的结构体
type fileConfig struct {
	Config `yaml:",inline"`
	App    yaml.Node `yaml:"app"`
}

// LoadConfig 依次应用 默认值、YAML 文件、环境变量、Nacos 远程配置。
// app 非空时把 app 段解码进去，调用方应先填好默认值。
func LoadConfig(path string, app any) (*Config, error) {
	fc := fileConfig{Config: *defaultConfig()}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeInto(raw, &fc, app); err != nil {
				return nil, errors.Wrapf(err, "parse config file %s", path)
			}
		case os.IsNotExist(err):
			logger.Ctx(context.Background()).Warn().Str("path", path).Msg("⚠️ Config file not found, using defaults")
		default:
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	applyEnv(&fc.Config)

	if fc.Infra.Nacos.Enabled && fc.Infra.Nacos.DataID != "" {
		if err := loadRemote(&fc, app); err != nil {
			return nil, err
		}
	}

	cfg := fc.Config
	configMu.Lock()
	currentConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func decodeInto(raw []byte, fc *fileConfig, app any) error {
	fc.App = yaml.Node{}
	if err := yaml.Unmarshal(raw, fc); err != nil {
		return err
	}
	if app != nil && fc.App.Kind != 0 {
		return fc.App.Decode(app)
	}
	return nil
}

// loadRemote 远程配置覆盖本地同名字段
func loadRemote(fc *fileConfig, app any) error {
	n := fc.Infra.Nacos
	serverConfigs, err := nacos.ParseServerConfigs(n.ServerAddrs)
	if err != nil {
		return err
	}
	client, err := nacos.NewConfigClient(serverConfigs, nacos.NewClientConfig(n.Namespace), n.Group)
	if err != nil {
		return err
	}
	content, err := client.Get(n.DataID)
	if err != nil {
		client.Close()
		return err
	}
	if strings.TrimSpace(content) != "" {
		if err := decodeInto([]byte(content), fc, app); err != nil {
			client.Close()
			return errors.Wrapf(err, "parse nacos config %s", n.DataID)
		}
	}
	nacosConfigClient = client
	logger.Ctx(context.Background()).Info().Str("data_id", n.DataID).Msg("✅ Remote config applied from Nacos")
	return nil
}

func applyEnv(c *Config) {
	c.Service.Name = getEnv("SERVICE_NAME", c.Service.Name)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)
	if p, err := strconv.Atoi(getEnv("PORT", "")); err == nil && p > 0 {
		c.Service.Port = p
	}
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Infra.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.MySQL.Addr = getEnv("MYSQL_ADDR", c.Infra.MySQL.Addr)
	c.Infra.MySQL.User = getEnv("MYSQL_USER", c.Infra.MySQL.User)
	c.Infra.MySQL.Password = getEnv("MYSQL_PASSWORD", c.Infra.MySQL.Password)
	c.Infra.MySQL.Database = getEnv("MYSQL_DATABASE", c.Infra.MySQL.Database)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	if v, err := strconv.ParseBool(getEnv("NACOS_ENABLED", "")); err == nil {
		c.Infra.Nacos.Enabled = v
	}
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
