package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig   `mapstructure:"server"`
	Database   DatabaseConfig `mapstructure:"database"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	LLM        LLMConfig      `mapstructure:"llm"`
	Devices    []DeviceConfig `mapstructure:"devices"`
	Explore    ExploreConfig  `mapstructure:"explore"`
	Rules      RulesConfig    `mapstructure:"rules"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	Watcher    WatcherConfig  `mapstructure:"watcher"`
	Log        LogConfig      `mapstructure:"log"`
	ReportDir  string         `mapstructure:"report_dir"`
	InboundDir string         `mapstructure:"inbound_dir"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type       string `mapstructure:"type"` // mysql, sqlite
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"db_name"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// LLMConfig 路径补全所用语言模型服务配置
type LLMConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"` // OpenAI 兼容端点
	Model      string `mapstructure:"model"`
	Timeout    int    `mapstructure:"timeout"`     // seconds - 单次补全请求超时
	MaxRetries int    `mapstructure:"max_retries"` // 传输失败时的最大重试次数（最多 1）
}

// DeviceConfig 单台探索设备
type DeviceConfig struct {
	ID        string `mapstructure:"id"`
	ADBTarget string `mapstructure:"adb_target"` // 如 "192.168.2.100:5555"
	Timeout   int    `mapstructure:"timeout"`    // seconds - ADB 命令超时
}

// ExploreConfig 探索驱动器参数
type ExploreConfig struct {
	StepTimeout       int `mapstructure:"step_timeout"`        // seconds - 单步动作超时
	SettleDelay       int `mapstructure:"settle_delay"`        // seconds - 动作后等待界面稳定
	DeviceFaultBudget int `mapstructure:"device_fault_budget"` // 连续设备故障次数上限，超出则中止运行
	MaxLocations      int `mapstructure:"max_locations"`       // 单次运行探索的位置上限，0 表示不限
}

// RulesConfig 规则目录调优
type RulesConfig struct {
	CatalogPath string `mapstructure:"catalog_path"` // YAML 目录文件，空则仅用内置规则
}

type WorkerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`         // Worker 数量（应 <= 设备数）
	ReconstructWorkers int `mapstructure:"reconstruct_workers"` // 上下文重建并行度
	QueueSize          int `mapstructure:"queue_size"`
}

type WatcherConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	viper.AutomaticEnv()

	viper.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	viper.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	viper.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	viper.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	viper.BindEnv("database.host", "MYSQL_HOST")
	viper.BindEnv("database.port", "MYSQL_PORT")
	viper.BindEnv("database.user", "MYSQL_USER")
	viper.BindEnv("database.password", "MYSQL_PASS")
	viper.BindEnv("database.db_name", "MYSQL_DB")

	viper.BindEnv("llm.api_key", "LLM_API_KEY")
	viper.BindEnv("llm.base_url", "LLM_BASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults 填充缺省值
func applyDefaults(cfg *Config) {
	if cfg.Explore.StepTimeout == 0 {
		cfg.Explore.StepTimeout = 20
	}
	if cfg.Explore.SettleDelay == 0 {
		cfg.Explore.SettleDelay = 3
	}
	if cfg.Explore.DeviceFaultBudget == 0 {
		cfg.Explore.DeviceFaultBudget = 3
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 30
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 1
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.ReconstructWorkers == 0 {
		cfg.Worker.ReconstructWorkers = 4
	}
	if cfg.Worker.QueueSize == 0 {
		cfg.Worker.QueueSize = 100
	}
}
