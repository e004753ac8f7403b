package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Mongo         MongoConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Crypto        CryptoConfig
	OTP           OTPConfig
	RateLimit     RateLimitConfig
	SMS           SMSConfig
	Bureau        BureauConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	RequireTLS   bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	CORSOrigins  []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type MongoConfig struct {
	URI            string
	Database       string
	OTPCollection  string
	ConnectTimeout time.Duration
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicPrefix string
}

type ElasticsearchConfig struct {
	Enabled      bool
	URL          string
	Username     string
	Password     string
	MetricsIndex string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	FlushInterval time.Duration
	BatchSize     int
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// CryptoConfig holds the secrets shared with the web client.
type CryptoConfig struct {
	ServerSecret string
	PhoneSalt    string
}

type OTPConfig struct {
	Store              string // "mongo" or "redis"
	CodeLength         int
	TTL                time.Duration
	RequestWindow      time.Duration
	MaxRequestsPerHour int
	MaxWrongAttempts   int
	BlockDuration      time.Duration
	Cooldown           time.Duration
	DeleteDelay        time.Duration
}

type RateLimitConfig struct {
	MaxAttempts   int
	BlockDuration time.Duration
	Window        time.Duration
	KeyPrefix     string
}

type SMSConfig struct {
	Enabled  bool
	BaseURL  string
	Username string
	Password string
	SenderID string
	Template string
	Timeout  time.Duration
}

type BureauConfig struct {
	URL      string
	MemberID string
	Password string
	CertFile string
	KeyFile  string
	CAFile   string
	Timeout  time.Duration
}

var (
	instance *Config
	loadOnce sync.Once
)

// LoadConfig reads .env (if present) and the process environment exactly once.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		_ = godotenv.Load()
		instance = fromEnv()
	})
	return instance
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func fromEnv() *Config {
	return &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			RequireTLS:   getEnvBool("SERVER_REQUIRE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTOCERT", false),
			Domain:       getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:        getEnv("SERVER_AUTOCERT_EMAIL", ""),
			CORSOrigins:  getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Mongo: MongoConfig{
			URI:            getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database:       getEnv("MONGO_DATABASE", "lending"),
			OTPCollection:  getEnv("MONGO_OTP_COLLECTION", "otp_records"),
			ConnectTimeout: getEnvDuration("MONGO_CONNECT_TIMEOUT", 10*time.Second),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "lending"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvBool("KAFKA_ENABLED", false),
			Brokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "lending"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:      getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:          getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:     getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:     getEnv("ELASTICSEARCH_PASSWORD", ""),
			MetricsIndex: getEnv("ELASTICSEARCH_METRICS_INDEX", "credit-metrics"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:           getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "lending"),
			FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
			BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "ap-south-1"),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("USER_BUCKETS", 1024),
			EventBuckets: getEnvInt("EVENT_BUCKETS", 256),
		},
		Crypto: CryptoConfig{
			ServerSecret: getEnv("ENCRYPTION_SECRET", ""),
			PhoneSalt:    getEnv("PHONE_HASH_SALT", ""),
		},
		OTP: OTPConfig{
			Store:              getEnv("OTP_STORE", "mongo"),
			CodeLength:         getEnvInt("OTP_CODE_LENGTH", 6),
			TTL:                getEnvDuration("OTP_TTL", 5*time.Minute),
			RequestWindow:      getEnvDuration("OTP_REQUEST_WINDOW", time.Hour),
			MaxRequestsPerHour: getEnvInt("OTP_MAX_REQUESTS_PER_HOUR", 3),
			MaxWrongAttempts:   getEnvInt("OTP_MAX_WRONG_ATTEMPTS", 5),
			BlockDuration:      getEnvDuration("OTP_BLOCK_DURATION", 10*time.Minute),
			Cooldown:           getEnvDuration("OTP_COOLDOWN", time.Minute),
			DeleteDelay:        getEnvDuration("OTP_DELETE_DELAY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:   getEnvInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
			BlockDuration: getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 10*time.Minute),
			Window:        getEnvDuration("RATE_LIMIT_WINDOW", 10*time.Minute),
			KeyPrefix:     getEnv("RATE_LIMIT_KEY_PREFIX", "rate_limit"),
		},
		SMS: SMSConfig{
			Enabled:  getEnvBool("SMS_ENABLED", true),
			BaseURL:  getEnv("SMS_GATEWAY_URL", ""),
			Username: getEnv("SMS_USERNAME", ""),
			Password: getEnv("SMS_PASSWORD", ""),
			SenderID: getEnv("SMS_SENDER_ID", ""),
			Template: getEnv("SMS_TEMPLATE", "{otp} is your one time password to verify your mobile number. Valid for 5 minutes."),
			Timeout:  getEnvDuration("SMS_TIMEOUT", 10*time.Second),
		},
		Bureau: BureauConfig{
			URL:      getEnv("BUREAU_URL", ""),
			MemberID: getEnv("BUREAU_MEMBER_ID", ""),
			Password: getEnv("BUREAU_PASSWORD", ""),
			CertFile: getEnv("BUREAU_CERT_FILE", ""),
			KeyFile:  getEnv("BUREAU_KEY_FILE", ""),
			CAFile:   getEnv("BUREAU_CA_FILE", ""),
			Timeout:  getEnvDuration("BUREAU_TIMEOUT", 30*time.Second),
		},
	}
}

// Validate checks settings that would otherwise fail late at request time.
func (c *Config) Validate() error {
	var errs []error

	if c.Crypto.ServerSecret == "" {
		errs = append(errs, errors.New("ENCRYPTION_SECRET is required"))
	}
	if c.Crypto.PhoneSalt == "" {
		errs = append(errs, errors.New("PHONE_HASH_SALT is required"))
	}
	if c.OTP.Store != "mongo" && c.OTP.Store != "redis" {
		errs = append(errs, fmt.Errorf("OTP_STORE must be mongo or redis, got %q", c.OTP.Store))
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 9 {
		errs = append(errs, fmt.Errorf("OTP_CODE_LENGTH out of range: %d", c.OTP.CodeLength))
	}
	if c.IsProduction() {
		if c.SMS.Enabled && c.SMS.BaseURL == "" {
			errs = append(errs, errors.New("SMS_GATEWAY_URL is required in production"))
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
