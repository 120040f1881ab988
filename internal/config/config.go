package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser         string
	DBPassword     string
	DBName         string
	DBHost         string
	DBPort         string
	DBMaxOpenConns int
	DBMaxIdleConns int

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	BotToken string
	AdminIDs []int64

	YookassaShopID    string
	YookassaKey       string
	YookassaReturnURL string
	AllowedYooIP      []string

	HTTPAddr          string
	TrustedProxies    []string
	AdminUsername     string
	AdminPasswordHash string
	JWTSecret         string
	JWTTTL            time.Duration

	StoreTimeout       time.Duration
	RenewalResetsUsage bool
	AdminGrantQuota    int

	CheckInterval       time.Duration
	PaymentPollInterval time.Duration
	PaymentPollMaxAge   time.Duration

	LogLevel  string
	LogFormat string
}

var defaultYooCIDRs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11/32",
	"77.75.156.35/32",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "linkquota_bot"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBMaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs: parseIDs(getEnv("ADMIN_IDS", "")),

		YookassaShopID:    getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:       getEnv("YOOKASSA_SECRET_KEY", ""),
		YookassaReturnURL: getEnv("YOOKASSA_RETURN_URL", "https://t.me/"),
		AllowedYooIP:      getEnvList("WEBHOOK_ALLOWED_CIDRS", defaultYooCIDRs),

		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		TrustedProxies:    getEnvList("TRUSTED_PROXIES", nil),
		AdminUsername:     getEnv("ADMIN_USERNAME", "admin"),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		JWTTTL:            getEnvDuration("JWT_TTL", 12*time.Hour),

		StoreTimeout:       getEnvDuration("STORE_TIMEOUT", 5*time.Second),
		RenewalResetsUsage: getEnvBool("RENEWAL_RESETS_USAGE", false),
		AdminGrantQuota:    getEnvInt("ADMIN_GRANT_QUOTA", 50),

		CheckInterval:       getEnvDuration("CHECK_INTERVAL", time.Hour),
		PaymentPollInterval: getEnvDuration("PAYMENT_POLL_INTERVAL", time.Minute),
		PaymentPollMaxAge:   getEnvDuration("PAYMENT_POLL_MAX_AGE", 24*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// IsAdmin reports whether telegramID is listed in ADMIN_IDS.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Invalid %s value %q, using default %t", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("Invalid %s value %q, using default %s", key, v, fallback)
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(raw string) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid admin id %q", part)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
