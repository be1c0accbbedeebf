// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Stream    StreamConfig    `mapstructure:"stream"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// AllowedOrigins 为空时接受任意来源的 WebSocket 握手。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 及凭证传输相关的配置。
type JWTConfig struct {
	Secret                   string `mapstructure:"secret"`
	AccessTokenExpireMinutes int    `mapstructure:"access_token_expire_minutes"`
	RefreshTokenExpireDays   int    `mapstructure:"refresh_token_expire_days"`
	AccessCookie             string `mapstructure:"access_cookie"`
	RefreshCookie            string `mapstructure:"refresh_cookie"`
	QueryParam               string `mapstructure:"query_param"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储审计事件生产者的配置。Brokers 为空时审计事件只写日志。
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	AuditTopic string `mapstructure:"audit_topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置，用于保存语音消息。
type MinIOConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	UseSSL             bool   `mapstructure:"use_ssl"`
	BucketName         string `mapstructure:"bucket_name"`
	PresignExpiryHours int    `mapstructure:"presign_expiry_hours"`
}

// WorkflowConfig 存储上游回复生成服务（工作流 webhook）的配置。
type WorkflowConfig struct {
	URL string `mapstructure:"url"`
	// BasicAuth 形如 "user:password"，为空或缺少冒号时不发送。
	BasicAuth      string        `mapstructure:"basic_auth"`
	APIKeyHeader   string        `mapstructure:"api_key_header"`
	APIKeyValue    string        `mapstructure:"api_key_value"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Timezone       string        `mapstructure:"timezone"`
	Source         string        `mapstructure:"source"`
}

// StreamConfig 控制分块、分页、校验与广播后端。
type StreamConfig struct {
	WordsPerChunk         int    `mapstructure:"words_per_chunk"`
	DefaultPageSize       int    `mapstructure:"default_page_size"`
	MaxPageSize           int    `mapstructure:"max_page_size"`
	MaxTextLength         int    `mapstructure:"max_text_length"`
	MaxAudioBytes         int64  `mapstructure:"max_audio_bytes"`
	PubSubBackend         string `mapstructure:"pubsub_backend"` // "memory" 或 "redis"
	RedisChannelPrefix    string `mapstructure:"redis_channel_prefix"`
	SendBuffer            int    `mapstructure:"send_buffer"`
	PublishMessageUpdates bool   `mapstructure:"publish_message_updates"`
}

// RateLimitConfig 控制每个用户提交消息的速率。
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.allowed_origins", []string{})
	// 没有默认值的键不会被 AutomaticEnv 覆盖，这里全部登记空值。
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("workflow.url", "")
	v.SetDefault("workflow.basic_auth", "")
	v.SetDefault("workflow.api_key_header", "")
	v.SetDefault("workflow.api_key_value", "")
	v.SetDefault("log.output_path", "")
	v.SetDefault("stream.publish_message_updates", false)
	v.SetDefault("jwt.access_token_expire_minutes", 10)
	v.SetDefault("jwt.refresh_token_expire_days", 14)
	v.SetDefault("jwt.access_cookie", "access_token")
	v.SetDefault("jwt.refresh_cookie", "refresh_token")
	v.SetDefault("jwt.query_param", "token")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.audit_topic", "neora.audit")
	v.SetDefault("minio.bucket_name", "voice-messages")
	v.SetDefault("minio.presign_expiry_hours", 24*7)
	v.SetDefault("workflow.connect_timeout", 20*time.Second)
	v.SetDefault("workflow.read_timeout", 45*time.Second)
	v.SetDefault("workflow.timezone", "Asia/Riyadh")
	v.SetDefault("workflow.source", "web")
	v.SetDefault("stream.words_per_chunk", 10)
	v.SetDefault("stream.default_page_size", 50)
	v.SetDefault("stream.max_page_size", 100)
	v.SetDefault("stream.max_text_length", 8000)
	v.SetDefault("stream.max_audio_bytes", 10*1024*1024)
	v.SetDefault("stream.pubsub_backend", "memory")
	v.SetDefault("stream.redis_channel_prefix", "neora:group:")
	v.SetDefault("stream.send_buffer", 64)
	v.SetDefault("rate_limit.rps", 5)
	v.SetDefault("rate_limit.burst", 10)
}

// Load 读取 .env（如存在）与指定的 YAML 文件，环境变量优先于文件中的值。
// 例如 WORKFLOW_URL 覆盖 workflow.url。
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
