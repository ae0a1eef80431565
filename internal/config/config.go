// Package config loads the runtime configuration from config.yaml with
// environment-variable overrides. Invalid configuration is fatal at
// startup; nothing else in the system validates these values again.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"tallyflow/internal/domain"
	"tallyflow/internal/ocr"
)

type BreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
}

type Config struct {
	PortalURL   string        `yaml:"portal_url"`
	PortalToken string        `yaml:"portal_token"`
	Zones       []domain.Zone `yaml:"zones"`

	DBPath   string `yaml:"db_path"`
	ImageDir string `yaml:"image_dir"`

	ScrapeParallelZones int    `yaml:"scrape_parallel_zones"`
	ScrapeMaxRetries    int    `yaml:"scrape_max_retries"`
	ScrapeBackoffBaseMs int    `yaml:"scrape_backoff_base_ms"`
	ScrapeBackoffMaxMs  int    `yaml:"scrape_backoff_max_ms"`
	ScrapeSchedule      string `yaml:"scrape_schedule"`

	CaptchaEnabled        bool   `yaml:"captcha_enabled"`
	CaptchaURL            string `yaml:"captcha_url"`
	CaptchaAPIKey         string `yaml:"captcha_api_key"`
	CaptchaTimeoutSeconds int    `yaml:"captcha_timeout_seconds"`

	OCRProvider       string   `yaml:"ocr_provider"`
	OCRModel          string   `yaml:"ocr_model"`
	AnthropicAPIKey   string   `yaml:"anthropic_api_key"`
	TesseractLangs    []string `yaml:"tesseract_languages"`
	OCRWorkers        int      `yaml:"ocr_workers"`
	OCRQueueSize      int      `yaml:"ocr_queue_size"`
	OCRMaxRetries     int      `yaml:"ocr_max_retries"`
	OCRTimeoutSeconds int      `yaml:"ocr_timeout_seconds"`

	ConfidenceHigh float64 `yaml:"confidence_high_threshold"`
	ConfidenceLow  float64 `yaml:"confidence_low_threshold"`
	ReviewSeverity string  `yaml:"review_severity"`

	ReviewTTLHours             int `yaml:"review_ttl_hours"`
	ReviewSweepIntervalMinutes int `yaml:"review_sweep_interval_minutes"`

	SlackBotToken      string `yaml:"slack_bot_token"`
	SlackReviewChannel string `yaml:"slack_review_channel"`

	PortalBreaker  BreakerConfig `yaml:"portal_breaker"`
	CaptchaBreaker BreakerConfig `yaml:"captcha_breaker"`
	OCRBreaker     BreakerConfig `yaml:"ocr_breaker"`

	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	MetricsAddr                string `yaml:"metrics_addr"`

	FormLayout ocr.FormLayout `yaml:"form_layout"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.PortalURL, "PORTAL_URL")
	envOverride(&cfg.PortalToken, "PORTAL_TOKEN")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.ImageDir, "IMAGE_DIR")
	envOverrideInt(&cfg.ScrapeParallelZones, "SCRAPE_PARALLEL_ZONES")
	envOverrideInt(&cfg.ScrapeMaxRetries, "SCRAPE_MAX_RETRIES")
	envOverrideInt(&cfg.ScrapeBackoffBaseMs, "SCRAPE_BACKOFF_BASE_MS")
	envOverrideInt(&cfg.ScrapeBackoffMaxMs, "SCRAPE_BACKOFF_MAX_MS")
	envOverride(&cfg.ScrapeSchedule, "SCRAPE_SCHEDULE")
	envOverrideBool(&cfg.CaptchaEnabled, "CAPTCHA_ENABLED")
	envOverride(&cfg.CaptchaURL, "CAPTCHA_URL")
	envOverride(&cfg.CaptchaAPIKey, "CAPTCHA_API_KEY")
	envOverrideInt(&cfg.CaptchaTimeoutSeconds, "CAPTCHA_TIMEOUT_SECONDS")
	envOverride(&cfg.OCRProvider, "OCR_PROVIDER")
	envOverride(&cfg.OCRModel, "OCR_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverrideInt(&cfg.OCRWorkers, "OCR_WORKERS")
	envOverrideInt(&cfg.OCRQueueSize, "OCR_QUEUE_SIZE")
	envOverrideInt(&cfg.OCRMaxRetries, "OCR_MAX_RETRIES")
	envOverrideInt(&cfg.OCRTimeoutSeconds, "OCR_TIMEOUT_SECONDS")
	envOverrideFloat(&cfg.ConfidenceHigh, "CONFIDENCE_HIGH_THRESHOLD")
	envOverrideFloat(&cfg.ConfidenceLow, "CONFIDENCE_LOW_THRESHOLD")
	envOverride(&cfg.ReviewSeverity, "REVIEW_SEVERITY")
	envOverrideInt(&cfg.ReviewTTLHours, "REVIEW_TTL_HOURS")
	envOverrideInt(&cfg.ReviewSweepIntervalMinutes, "REVIEW_SWEEP_INTERVAL_MINUTES")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackReviewChannel, "SLACK_REVIEW_CHANNEL")
	envOverrideInt(&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")

	if zones := os.Getenv("ZONES"); zones != "" {
		cfg.Zones = nil
		for _, z := range strings.Split(zones, ",") {
			z = strings.TrimSpace(z)
			if z == "" {
				continue
			}
			parts := strings.SplitN(z, "/", 2)
			if len(parts) != 2 {
				log.Fatalf("invalid ZONES entry '%s': want department/municipality", z)
			}
			cfg.Zones = append(cfg.Zones, domain.Zone{Department: parts[0], Municipality: parts[1]})
		}
	}

	// Defaults
	if cfg.DBPath == "" {
		cfg.DBPath = "./tallyflow.db"
	}
	if cfg.ImageDir == "" {
		cfg.ImageDir = "./forms"
	}
	if cfg.ScrapeParallelZones == 0 {
		cfg.ScrapeParallelZones = 3
	}
	if cfg.ScrapeMaxRetries == 0 {
		cfg.ScrapeMaxRetries = 5
	}
	if cfg.ScrapeBackoffBaseMs == 0 {
		cfg.ScrapeBackoffBaseMs = 500
	}
	if cfg.ScrapeBackoffMaxMs == 0 {
		cfg.ScrapeBackoffMaxMs = 30000
	}
	if cfg.ScrapeSchedule == "" {
		cfg.ScrapeSchedule = "*/30 * * * *"
	}
	if cfg.CaptchaTimeoutSeconds == 0 {
		cfg.CaptchaTimeoutSeconds = 60
	}
	if cfg.OCRProvider == "" {
		cfg.OCRProvider = "anthropic"
	}
	if len(cfg.TesseractLangs) == 0 {
		cfg.TesseractLangs = []string{"spa"}
	}
	if cfg.OCRWorkers == 0 {
		cfg.OCRWorkers = 4
	}
	if cfg.OCRQueueSize == 0 {
		cfg.OCRQueueSize = 64
	}
	if cfg.OCRMaxRetries == 0 {
		cfg.OCRMaxRetries = 3
	}
	if cfg.OCRTimeoutSeconds == 0 {
		cfg.OCRTimeoutSeconds = 30
	}
	if cfg.ConfidenceHigh == 0 {
		cfg.ConfidenceHigh = 0.85
	}
	if cfg.ConfidenceLow == 0 {
		cfg.ConfidenceLow = 0.50
	}
	if cfg.ReviewSeverity == "" {
		cfg.ReviewSeverity = "MEDIUM"
	}
	if cfg.ReviewTTLHours == 0 {
		cfg.ReviewTTLHours = 24
	}
	if cfg.ReviewSweepIntervalMinutes == 0 {
		cfg.ReviewSweepIntervalMinutes = 15
	}
	if cfg.PortalBreaker.FailureThreshold == 0 {
		cfg.PortalBreaker.FailureThreshold = 5
	}
	if cfg.PortalBreaker.ResetTimeoutSeconds == 0 {
		cfg.PortalBreaker.ResetTimeoutSeconds = 60
	}
	if cfg.CaptchaBreaker.FailureThreshold == 0 {
		cfg.CaptchaBreaker.FailureThreshold = 3
	}
	if cfg.CaptchaBreaker.ResetTimeoutSeconds == 0 {
		cfg.CaptchaBreaker.ResetTimeoutSeconds = 120
	}
	if cfg.OCRBreaker.FailureThreshold == 0 {
		cfg.OCRBreaker.FailureThreshold = 5
	}
	if cfg.OCRBreaker.ResetTimeoutSeconds == 0 {
		cfg.OCRBreaker.ResetTimeoutSeconds = 30
	}
	if cfg.ExternalHTTPTimeoutSeconds == 0 {
		cfg.ExternalHTTPTimeoutSeconds = 90
	}
	if len(cfg.FormLayout) == 0 {
		cfg.FormLayout = ocr.DefaultFormLayout()
	}

	// Validate required fields
	if cfg.PortalURL == "" {
		log.Fatalf("Required config 'portal_url' is not set (via config.yaml or env var)")
	}
	if len(cfg.Zones) == 0 {
		log.Fatalf("Required config 'zones' is not set (via config.yaml or ZONES env var)")
	}

	switch cfg.OCRProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when ocr_provider=anthropic")
		}
	case "tesseract":
	default:
		log.Fatalf("ocr_provider must be 'anthropic' or 'tesseract', got '%s'", cfg.OCRProvider)
	}

	if cfg.CaptchaEnabled && cfg.CaptchaURL == "" {
		log.Fatalf("captcha_url is required when captcha_enabled=true")
	}
	if cfg.SlackBotToken != "" && cfg.SlackReviewChannel == "" {
		log.Fatalf("slack_review_channel is required when slack_bot_token is set")
	}
	if cfg.ConfidenceHigh <= 0 || cfg.ConfidenceHigh > 1 {
		log.Fatalf("invalid confidence_high_threshold '%f': must be in (0, 1]", cfg.ConfidenceHigh)
	}
	if cfg.ConfidenceLow < 0 || cfg.ConfidenceLow >= cfg.ConfidenceHigh {
		log.Fatalf("invalid confidence_low_threshold '%f': must be below the high threshold", cfg.ConfidenceLow)
	}
	if _, ok := severityNames[strings.ToUpper(cfg.ReviewSeverity)]; !ok {
		log.Fatalf("invalid review_severity '%s': must be LOW, MEDIUM, HIGH or CRITICAL", cfg.ReviewSeverity)
	}
	for i, region := range cfg.FormLayout {
		if region.ID == "" {
			log.Fatalf("form_layout[%d] has no id", i)
		}
		if region.Box.W <= 0 || region.Box.H <= 0 {
			log.Fatalf("form_layout[%d] (%s) has a degenerate box", i, region.ID)
		}
	}

	return cfg
}

var severityNames = map[string]domain.Severity{
	"LOW":      domain.SeverityLow,
	"MEDIUM":   domain.SeverityMedium,
	"HIGH":     domain.SeverityHigh,
	"CRITICAL": domain.SeverityCritical,
}

// ReviewSeverityLevel maps the configured name to its severity value.
func (c Config) ReviewSeverityLevel() domain.Severity {
	return severityNames[strings.ToUpper(c.ReviewSeverity)]
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
