package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Session   SessionConfig
	Summary   SummaryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DBConfig struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     int
	Timezone string
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

// WebSocketConfig 控制信令通道的讀寫限制與心跳
type WebSocketConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type SessionConfig struct {
	PreparationSeconds int `mapstructure:"preparation_seconds"`
}

// SummaryConfig 文字生成服務設定，Endpoint 為空時停用
type SummaryConfig struct {
	Endpoint   string
	APIKeys    []string      `mapstructure:"api_keys"`
	Timeout    time.Duration
	MaxRetries int `mapstructure:"max_retries"`
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "speech_room")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.ttl", 240*time.Hour)
	v.SetDefault("websocket.read_limit", 64*1024)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("websocket.ping_interval", 54*time.Second)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("session.preparation_seconds", 60)
	v.SetDefault("summary.endpoint", "")
	v.SetDefault("summary.api_keys", []string{})
	v.SetDefault("summary.timeout", 30*time.Second)
	v.SetDefault("summary.max_retries", 3)
	v.SetDefault("log.level", "info")
}

// Load 讀取設定檔，之後依序套用 SPEECH_ 前綴的環境變數與命令列參數。
// path 為空時在 ./pkg/config 尋找 config.yaml。
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./pkg/config")
	}

	v.SetEnvPrefix("SPEECH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 沒有設定檔時只使用預設值與環境變數
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, err
			}
		}
		if f := flags.Lookup("addr"); f != nil {
			if err := v.BindPFlag("server.address", f); err != nil {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.JWT.Secret == "" {
		return nil, errors.New("jwt.secret is required")
	}
	if config.WebSocket.PingInterval >= config.WebSocket.PongWait {
		config.WebSocket.PingInterval = config.WebSocket.PongWait * 9 / 10
	}

	return &config, nil
}
