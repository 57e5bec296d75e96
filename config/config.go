package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Resource  ResourceConfig  `mapstructure:"resource"`
	ModelHost ModelHostConfig `mapstructure:"model_host"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Sync 为true时请求内同步执行流水线并直接返回结果
	Sync bool `mapstructure:"sync"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type PipelineConfig struct {
	// OutputSize 流水线统一的正方形画布边长
	OutputSize int `mapstructure:"output_size"`
	// DilateKernel 合成前对衣物掩码的膨胀核尺寸
	DilateKernel int `mapstructure:"dilate_kernel"`
	// ErodeKernel 融合时拉回接缝的腐蚀核尺寸
	ErodeKernel int `mapstructure:"erode_kernel"`
	// FacePadding 面部保护矩形的外扩像素
	FacePadding int `mapstructure:"face_padding"`
	// GarmentBorder 衣物图自身内容框的预留边缘
	GarmentBorder int `mapstructure:"garment_border"`
	// RansacThreshold 单应矩阵估计的重投影误差阈值
	RansacThreshold float64 `mapstructure:"ransac_threshold"`
	// QueueSize 任务队列容量
	QueueSize int `mapstructure:"queue_size"`
	// MaxRetries 整条流水线自动重试次数上限
	MaxRetries int `mapstructure:"max_retries"`
}

type ResourceConfig struct {
	// VRAMThresholdMB 低于该显存容量则进入受限档位
	VRAMThresholdMB int `mapstructure:"vram_threshold_mb"`
}

type ModelHostConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	// Mode 结果交付方式: redis | inline
	Mode string `mapstructure:"mode"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// New 使用默认配置路径加载配置
func New() *Config {
	cfg, err := Load("config.yaml")
	if err != nil {
		// 如果加载失败，返回默认配置
		return getDefaultConfig()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.sync", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Hour)

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/webp"})

	v.SetDefault("pipeline.output_size", 1024)
	v.SetDefault("pipeline.dilate_kernel", 20)
	v.SetDefault("pipeline.erode_kernel", 15)
	v.SetDefault("pipeline.face_padding", 30)
	v.SetDefault("pipeline.garment_border", 10)
	v.SetDefault("pipeline.ransac_threshold", 5.0)
	v.SetDefault("pipeline.queue_size", 16)
	v.SetDefault("pipeline.max_retries", 1)

	v.SetDefault("resource.vram_threshold_mb", 12*1024)

	v.SetDefault("model_host.base_url", "http://localhost:9090")
	v.SetDefault("model_host.timeout", 180*time.Second)

	v.SetDefault("storage.mode", "redis")
}

func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			TTL:      time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      20 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp"},
		},
		Pipeline: PipelineConfig{
			OutputSize:      1024,
			DilateKernel:    20,
			ErodeKernel:     15,
			FacePadding:     30,
			GarmentBorder:   10,
			RansacThreshold: 5.0,
			QueueSize:       16,
			MaxRetries:      1,
		},
		Resource: ResourceConfig{
			VRAMThresholdMB: 12 * 1024,
		},
		ModelHost: ModelHostConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 180 * time.Second,
		},
		Storage: StorageConfig{
			Mode: "redis",
		},
	}
}
