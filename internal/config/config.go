package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストレージドライバ
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// メール送信プロバイダ
const (
	MailLog    = "log"
	MailResend = "resend"
	MailSMTP   = "smtp"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	// Server
	ServerPort string
	BaseURL    string

	// Drip sequence
	DripInterval      time.Duration
	DripRunOnStart    bool
	DeliveryTimeout   time.Duration
	DripMaxConcurrent int
	SequenceFile      string

	// Mail
	MailProvider   string
	EmailFrom      string
	ResendAPIKey   string
	ResendEndpoint string
	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string

	// Campaign
	OfferLink      string
	OfferPrice     string
	UnsubscribeURL string

	// Articles
	ArticlesFeedURL string
	ArticlesTTL     time.Duration

	// Intake
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Rate Limit (req/min/IP)
	RateLimitSignup int

	// CORS
	CORSAllowedOrigins []string

	// Admin
	AdminUser     string
	AdminPassword string

	// Retention
	EventRetentionDays int

	// Logging
	LogLevel string
}

// AdminEnabled は管理画面が有効かどうかを返す。
func (c *Config) AdminEnabled() bool {
	return c.AdminPassword != ""
}

// IntakeEnabled はAMQPによるサインアップ受信が有効かどうかを返す。
func (c *Config) IntakeEnabled() bool {
	return c.AMQPURL != ""
}

// Load はカレントディレクトリの.envを読み込んでから環境変数をConfigに読み込む。
// 既に設定されている環境変数は.envで上書きされない。
func Load() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return FromEnv()
}

// LoadDotEnv は指定パスの.envファイルを環境変数に読み込む。
// ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// FromEnv は環境変数からConfigを読み込む。
// 選択されたドライバやプロバイダに必須の環境変数が未設定の場合は、
// 不足しているキーをすべて列挙したエラーを返す。
func FromEnv() (*Config, error) {
	cfg := &Config{
		StoreDriver:        strings.ToLower(getEnvString("STORE_DRIVER", StorePostgres)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnvString("SQLITE_PATH", "dripman.db"),
		ServerPort:         getEnvString("SERVER_PORT", "8080"),
		BaseURL:            getEnvString("BASE_URL", "http://localhost:8080"),
		DripInterval:       getEnvDuration("DRIP_INTERVAL", 2*time.Hour),
		DripRunOnStart:     getEnvBool("DRIP_RUN_ON_START", false),
		DeliveryTimeout:    getEnvDuration("DELIVERY_TIMEOUT", 15*time.Second),
		DripMaxConcurrent:  getEnvInt("DRIP_MAX_CONCURRENT", 5),
		SequenceFile:       os.Getenv("SEQUENCE_FILE"),
		MailProvider:       strings.ToLower(getEnvString("MAIL_PROVIDER", MailLog)),
		EmailFrom:          getEnvString("EMAIL_FROM", "noreply@clawagency.com"),
		ResendAPIKey:       os.Getenv("RESEND_API_KEY"),
		ResendEndpoint:     os.Getenv("RESEND_ENDPOINT"),
		SMTPHost:           os.Getenv("SMTP_HOST"),
		SMTPPort:           getEnvInt("SMTP_PORT", 587),
		SMTPUser:           os.Getenv("SMTP_USER"),
		SMTPPassword:       os.Getenv("SMTP_PASSWORD"),
		OfferLink:          getEnvString("OFFER_LINK", "https://gumroad.com/l/ai-mastery-course"),
		OfferPrice:         getEnvString("OFFER_PRICE", "$47"),
		UnsubscribeURL:     os.Getenv("UNSUBSCRIBE_URL"),
		ArticlesFeedURL:    os.Getenv("ARTICLES_FEED_URL"),
		ArticlesTTL:        getEnvDuration("ARTICLES_TTL", time.Hour),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       getEnvString("AMQP_EXCHANGE", "ex.signups"),
		AMQPQueue:          getEnvString("AMQP_QUEUE", "q.signups"),
		RateLimitSignup:    getEnvInt("RATE_LIMIT_SIGNUP", 10),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AdminUser:          getEnvString("ADMIN_USER", "admin"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		EventRetentionDays: getEnvInt("EVENT_RETENTION_DAYS", 90),
		LogLevel:           getEnvString("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %q", c.StoreDriver)
	}

	switch c.MailProvider {
	case MailLog:
	case MailResend:
		if c.ResendAPIKey == "" {
			missing = append(missing, "RESEND_API_KEY")
		}
	case MailSMTP:
		if c.SMTPHost == "" {
			missing = append(missing, "SMTP_HOST")
		}
	default:
		return fmt.Errorf("unsupported MAIL_PROVIDER: %q", c.MailProvider)
	}

	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
