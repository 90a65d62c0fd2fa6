package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseURL string `yaml:"databaseURL"`

	AuthTokenSecret   string `yaml:"authTokenSecret"`
	AuthTokenIssuer   string `yaml:"authTokenIssuer"`
	AuthTokenAudience string `yaml:"authTokenAudience"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueStream            string `yaml:"queueStream"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	StorageBackend string `yaml:"storageBackend"`
	StoragePath    string `yaml:"storagePath"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AIProvider      string `yaml:"aiProvider"`
	GeminiAPIKey    string `yaml:"geminiAPIKey"`
	OpenAIBaseURL   string `yaml:"openAIBaseURL"`
	OpenAIAPIKey    string `yaml:"openAIAPIKey"`
	GenerationModel string `yaml:"generationModel"`

	OCREnabled        bool   `yaml:"ocrEnabled"`
	OCRCommand        string `yaml:"ocrCommand"`
	OCRTimeoutSeconds int    `yaml:"ocrTimeoutSeconds"`

	MaxUploadSizeMB int `yaml:"maxUploadSizeMB"`
	DailyPaperQuota int `yaml:"dailyPaperQuota"`

	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	UploadRateLimit         int      `yaml:"uploadRateLimit"`
	UploadRateWindowSeconds int      `yaml:"uploadRateWindowSeconds"`
	TrustedProxies          []string `yaml:"trustedProxies"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("EXAMFORGE_AUTH_TOKEN_SECRET"); v != "" {
		cfg.AuthTokenSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("EXAMFORGE_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("EXAMFORGE_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("EXAMFORGE_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("EXAMFORGE_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("EXAMFORGE_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("EXAMFORGE_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("EXAMFORGE_STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("EXAMFORGE_AI_PROVIDER"); v != "" {
		cfg.AIProvider = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("EXAMFORGE_GENERATION_MODEL"); v != "" {
		cfg.GenerationModel = v
	}
	if v := os.Getenv("EXAMFORGE_OCR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.OCREnabled = enabled
		}
	}
	if v := os.Getenv("EXAMFORGE_OCR_COMMAND"); v != "" {
		cfg.OCRCommand = v
	}
	if v := os.Getenv("EXAMFORGE_OCR_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OCRTimeoutSeconds = n
		}
	}
	if v := os.Getenv("EXAMFORGE_MAX_UPLOAD_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxUploadSizeMB = n
		}
	}
	if v := os.Getenv("EXAMFORGE_DAILY_PAPER_QUOTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DailyPaperQuota = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AMQP_EXCHANGE"); v != "" {
		cfg.AMQPExchange = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.QueueStream == "" {
		cfg.QueueStream = "examforge:pipeline"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 4
	}
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "file"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "data/uploads"
	}
	if cfg.AIProvider == "" {
		cfg.AIProvider = "gemini"
	}
	if cfg.GenerationModel == "" {
		cfg.GenerationModel = "gemini-2.0-flash"
	}
	if cfg.MaxUploadSizeMB <= 0 {
		cfg.MaxUploadSizeMB = 20
	}
	if cfg.DailyPaperQuota <= 0 {
		cfg.DailyPaperQuota = 10
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.AuthTokenSecret) == "" {
		return errors.New("config: authTokenSecret is required (set in config.yaml or EXAMFORGE_AUTH_TOKEN_SECRET)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	switch cfg.StorageBackend {
	case "file":
		if strings.TrimSpace(cfg.StoragePath) == "" {
			return errors.New("config: storagePath is required when storageBackend=file")
		}
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required when storageBackend=minio")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q (want file or minio)", cfg.StorageBackend)
	}
	switch cfg.AIProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return errors.New("config: geminiAPIKey is required (set in config.yaml or GEMINI_API_KEY)")
		}
	case "openai":
		if cfg.OpenAIBaseURL == "" {
			return errors.New("config: openAIBaseURL is required when aiProvider=openai")
		}
	default:
		return fmt.Errorf("config: unknown aiProvider %q (want gemini or openai)", cfg.AIProvider)
	}
	if cfg.OCREnabled && strings.TrimSpace(cfg.OCRCommand) == "" {
		return errors.New("config: ocrCommand is required when ocrEnabled=true")
	}
	if cfg.OCRTimeoutSeconds < 0 {
		return errors.New("config: ocrTimeoutSeconds must be >= 0")
	}
	if cfg.UploadRateLimit < 0 || cfg.UploadRateWindowSeconds < 0 {
		return errors.New("config: upload rate limit settings must be >= 0")
	}
	if (cfg.UploadRateLimit > 0) != (cfg.UploadRateWindowSeconds > 0) {
		return errors.New("config: uploadRateLimit and uploadRateWindowSeconds must be set together")
	}
	return nil
}
