package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ArtifactRelPath is the location of the trained classifier below the
// installation root.
const ArtifactRelPath = "model/best_lr_model.json"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	CORS     CORSConfig     `yaml:"cors"`
	WS       WSConfig       `yaml:"ws"`
	Model    ModelConfig    `yaml:"model"`
	Log      LogConfig      `yaml:"log"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Minio    MinioConfig    `yaml:"minio"`
	Events   EventsConfig   `yaml:"events"`
}

type ServerConfig struct {
	Port           int   `yaml:"port"`
	TimeoutSec     int   `yaml:"timeout_sec"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	SSLMode     string `yaml:"sslmode"`
	Path        string `yaml:"path"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

func (d DatabaseConfig) GetDSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type JWTConfig struct {
	Secret            string `yaml:"secret"`
	ExpiryHours       int    `yaml:"expiry_hours"`
	AdminUser         string `yaml:"admin_user"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

type RedisConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	ConnectAttempts int    `yaml:"connect_attempts"`
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins"`
}

type WSConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

type ModelConfig struct {
	Root  string `yaml:"root"`
	Watch bool   `yaml:"watch"`
}

func (m ModelConfig) ArtifactPath() string {
	return filepath.Join(m.Root, filepath.FromSlash(ArtifactRelPath))
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MQTTConfig struct {
	URL      string `yaml:"url"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type EventsConfig struct {
	Channel string `yaml:"channel"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			TimeoutSec:     30,
			MaxUploadBytes: 10 << 20,
		},
		Database: DatabaseConfig{
			Driver:      "postgres",
			Host:        "localhost",
			Port:        5432,
			User:        "custcat",
			Password:    "custcat_dev_password",
			Name:        "custcat",
			SSLMode:     "disable",
			Path:        "custcat.db",
			AutoMigrate: true,
		},
		JWT: JWTConfig{
			Secret:      "change-me-in-production",
			ExpiryHours: 24,
			AdminUser:   "admin",
		},
		Redis: RedisConfig{
			Port:            6379,
			ConnectAttempts: 3,
		},
		CORS:   CORSConfig{AllowedOrigins: "*"},
		WS:     WSConfig{PollIntervalMS: 30000},
		Model:  ModelConfig{Root: "."},
		Log:    LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		MQTT:   MQTTConfig{Topic: "custcat/predictions", ClientID: "custcat-api"},
		Minio:  MinioConfig{Bucket: "custcat-uploads", Region: "us-east-1"},
		Events: EventsConfig{Channel: "custcat:predictions"},
	}
}

// LoadConfig starts from defaults, applies CONFIG_FILE when set and lets
// environment variables override both.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
		}
	}

	var err error
	if cfg.Server.Port, err = getIntEnv("SERVER_PORT", cfg.Server.Port); err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	if cfg.Server.TimeoutSec, err = getIntEnv("SERVER_TIMEOUT_SEC", cfg.Server.TimeoutSec); err != nil {
		return nil, fmt.Errorf("invalid SERVER_TIMEOUT_SEC: %w", err)
	}
	maxUpload, err := getIntEnv("MAX_UPLOAD_BYTES", int(cfg.Server.MaxUploadBytes))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
	}
	cfg.Server.MaxUploadBytes = int64(maxUpload)

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	if cfg.Database.Port, err = getIntEnv("DB_PORT", cfg.Database.Port); err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	if cfg.Database.AutoMigrate, err = getBoolEnv("DB_AUTO_MIGRATE", cfg.Database.AutoMigrate); err != nil {
		return nil, fmt.Errorf("invalid DB_AUTO_MIGRATE: %w", err)
	}
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Database.Driver)
	}

	cfg.JWT.Secret = getEnv("JWT_SECRET", cfg.JWT.Secret)
	if cfg.JWT.ExpiryHours, err = getIntEnv("JWT_EXPIRY_HOURS", cfg.JWT.ExpiryHours); err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRY_HOURS: %w", err)
	}
	cfg.JWT.AdminUser = getEnv("ADMIN_USER", cfg.JWT.AdminUser)
	cfg.JWT.AdminPasswordHash = getEnv("ADMIN_PASSWORD_HASH", cfg.JWT.AdminPasswordHash)

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	if cfg.Redis.Port, err = getIntEnv("REDIS_PORT", cfg.Redis.Port); err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	if cfg.Redis.DB, err = getIntEnv("REDIS_DB", cfg.Redis.DB); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.Redis.ConnectAttempts, err = getIntEnv("REDIS_CONNECT_ATTEMPTS", cfg.Redis.ConnectAttempts); err != nil {
		return nil, fmt.Errorf("invalid REDIS_CONNECT_ATTEMPTS: %w", err)
	}

	cfg.CORS.AllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", cfg.CORS.AllowedOrigins)
	if cfg.WS.PollIntervalMS, err = getIntEnv("WS_POLL_INTERVAL_MS", cfg.WS.PollIntervalMS); err != nil {
		return nil, fmt.Errorf("invalid WS_POLL_INTERVAL_MS: %w", err)
	}

	cfg.Model.Root = getEnv("APP_ROOT", cfg.Model.Root)
	if cfg.Model.Watch, err = getBoolEnv("MODEL_WATCH", cfg.Model.Watch); err != nil {
		return nil, fmt.Errorf("invalid MODEL_WATCH: %w", err)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.MQTT.URL = getEnv("MQTT_URL", cfg.MQTT.URL)
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)

	cfg.Minio.Endpoint = getEnv("MINIO_ENDPOINT", cfg.Minio.Endpoint)
	cfg.Minio.AccessKey = getEnv("MINIO_ACCESS_KEY", cfg.Minio.AccessKey)
	cfg.Minio.SecretKey = getEnv("MINIO_SECRET_KEY", cfg.Minio.SecretKey)
	cfg.Minio.Bucket = getEnv("MINIO_BUCKET", cfg.Minio.Bucket)
	cfg.Minio.Region = getEnv("MINIO_REGION", cfg.Minio.Region)
	if cfg.Minio.UseSSL, err = getBoolEnv("MINIO_USE_SSL", cfg.Minio.UseSSL); err != nil {
		return nil, fmt.Errorf("invalid MINIO_USE_SSL: %w", err)
	}

	cfg.Events.Channel = getEnv("EVENTS_CHANNEL", cfg.Events.Channel)

	return &cfg, nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getIntEnv(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func getBoolEnv(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseBool(value)
}
