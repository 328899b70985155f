package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port string

	// Secrets
	InternalSharedSecret string

	// Logging
	LogLevel string

	// OCR tool
	OcrMyPdfBinary   string
	OCRTimeout       time.Duration
	ProcessorCount   int
	DefaultLanguages []string

	// Limits
	MaxFileBytes int64

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int
	// Proxies (IPs or CIDRs) whose X-Forwarded-For / X-Real-IP headers are trusted
	TrustedProxies []string

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64
}

func Load() Config {
	return Config{
		Port: envStr("PORT", "8080"),

		InternalSharedSecret: envStr("INTERNAL_SHARED_SECRET", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),

		OcrMyPdfBinary:   envStr("OCRMYPDF_BINARY", "ocrmypdf"),
		OCRTimeout:       envDur("OCR_TIMEOUT", 10*time.Minute),
		ProcessorCount:   envInt("PROCESSOR_COUNT", 0),
		DefaultLanguages: envList("DEFAULT_LANGUAGES"),

		MaxFileBytes: int64(envInt("MAX_FILE_BYTES", int(200<<20))),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 8)),
		MaxOCRConcurrent:      int64(envInt("MAX_OCR_CONCURRENT", 2)),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 15*time.Minute),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 2*time.Second),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 10),
		TrustedProxies: envList("TRUSTED_PROXIES"),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),
	}
}

// Validate checks the settings the HTTP server cannot run without.
func (c Config) Validate() error {
	if len(strings.TrimSpace(c.InternalSharedSecret)) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	if strings.TrimSpace(c.OcrMyPdfBinary) == "" {
		return fmt.Errorf("OCRMYPDF_BINARY must not be empty")
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// envList splits a comma or plus separated value ("deu+eng", "deu,eng").
func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	return splitList(v)
}

func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
