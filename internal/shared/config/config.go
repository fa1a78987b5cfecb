package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultConvertDelay    = 2500 * time.Millisecond
	defaultSendDelay       = 2000 * time.Millisecond
	defaultResultTTL       = 30 * time.Minute
	defaultMaxUploadBytes  = 10 << 20
	defaultTargetExtension = "cdr"
	defaultRecipient       = "vdses.ngo@gmail.com"
)

// Config holds application configuration.
type Config struct {
	Port              string
	CORSAllowOrigin   []string
	ObjectStoreType   string
	LocalStoreDir     string
	AWSRegion         string
	S3Bucket          string
	S3Prefix          string
	SSEKMSKeyID       string
	DatabaseURL       string
	Env               string
	PublicURL         string
	TargetExtension   string
	ResultRecipient   string
	ConvertDelay      time.Duration
	SendDelay         time.Duration
	ResultTTL         time.Duration
	MaxUploadBytes    int64
	OutboxSQSQueueURL string
	RateLimitRPS      float64
	RateLimitBurst    int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience. Variables
	// already present in the environment win.
	for _, path := range []string{".env", "cmd/.env"} {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				log.Printf("config: load %s: %v", path, err)
			}
		}
	}

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:              getEnv("PORT", "8080"),
		CORSAllowOrigin:   splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		ObjectStoreType:   normalizeStoreType(getEnv("OBJECT_STORE", "local")),
		LocalStoreDir:     getEnv("LOCAL_STORE_DIR", "./data"),
		AWSRegion:         getEnv("AWS_REGION", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:       getEnv("SSE_KMS_KEY_ID", ""),
		DatabaseURL:       dbURL,
		Env:               env,
		PublicURL:         getEnv("PUBLIC_URL", "http://localhost:5173"),
		TargetExtension:   normalizeExtension(getEnv("TARGET_EXTENSION", defaultTargetExtension)),
		ResultRecipient:   getEnv("RESULT_RECIPIENT", defaultRecipient),
		ConvertDelay:      getDuration("CONVERT_DELAY", defaultConvertDelay),
		SendDelay:         getDuration("SEND_DELAY", defaultSendDelay),
		ResultTTL:         getDuration("RESULT_TTL", defaultResultTTL),
		MaxUploadBytes:    getInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		OutboxSQSQueueURL: getEnv("OUTBOX_SQS_QUEUE_URL", ""),
		RateLimitRPS:      getFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst:    int(getInt64("RATE_LIMIT_BURST", 10)),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil || val < 0 {
		log.Printf("config: %s invalid duration %q, using %s", key, raw, def)
		return def
	}
	return val
}

func getInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val <= 0 {
		log.Printf("config: %s invalid int %q, using %d", key, raw, def)
		return def
	}
	return val
}

func getFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil || val < 0 {
		log.Printf("config: %s invalid float %q, using %v", key, raw, def)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}

func normalizeExtension(raw string) string {
	ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if ext == "" {
		return defaultTargetExtension
	}
	return ext
}
