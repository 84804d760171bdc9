package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port     string
	LogLevel string

	// Secrets
	InternalSharedSecret string

	// Storage
	StorageEndpoint     string
	StorageAccountName  string
	AttachmentContainer string
	ScratchContainer    string
	SignedURLTTL        time.Duration

	// Azure OpenAI
	OpenAIEndpoint        string
	OpenAIDeployment      string
	OpenAIModel           string
	OpenAIAPIVersion      string
	TextPromptPath        string
	ImagePromptPath       string
	LLMTimeout            time.Duration
	LLMMaxRetries         int
	LLMMaxOutputTokens    int
	SummaryMaxInputTokens int
	TokenEncoding         string

	// Limits
	MaxJSONBodyBytes int64
	MaxDownloadBytes int64
	MaxZipEntryBytes int64
	MaxPDFPages      int

	// Concurrency
	MaxConcurrentRequests int64
	MaxOCRConcurrent      int64
	MaxPageWorkers        int
	AttachmentWorkers     int

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// Request timeouts
	ProcessTimeout time.Duration

	// Local scratch parent for media and page renders; empty means os.TempDir.
	ScratchDir string

	// Download
	DownloadTimeout   time.Duration
	AllowPrivateHosts bool

	// Poppler
	PDFToTextTimeout time.Duration
	PDFToPPMTimeout  time.Duration
	PDFRasterDPI     int

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int

	settings Settings
}

// Load builds the configuration from the environment, falling back to the
// local settings file named by LOCAL_SETTINGS_FILE.
func Load() (Config, error) {
	path := strings.TrimSpace(os.Getenv("LOCAL_SETTINGS_FILE"))
	if path == "" {
		path = "local.settings.json"
	}
	s, err := LoadSettings(path)
	if err != nil {
		return Config{}, err
	}
	return FromSettings(s), nil
}

func FromSettings(s Settings) Config {
	endpoint := strings.TrimRight(envStr(s, "STORAGE_ACCOUNT_BLOB_ENDPOINT", ""), "/")

	return Config{
		Port:     envStr(s, "PORT", "8080"),
		LogLevel: envStr(s, "LOG_LEVEL", "info"),

		InternalSharedSecret: envStr(s, "INTERNAL_SHARED_SECRET", ""),

		StorageEndpoint:     endpoint,
		StorageAccountName:  envStr(s, "STORAGE_ACCOUNT_NAME", AccountNameFromEndpoint(endpoint)),
		AttachmentContainer: envStr(s, "EMAIL_ATTACHMENTS_CONTAINER", "emailattachments"),
		ScratchContainer:    envStr(s, "SCRATCH_CONTAINER", "tems"),
		SignedURLTTL:        envDur(s, "SIGNED_URL_TTL", time.Hour),

		OpenAIEndpoint:        envStr(s, "GPT5_ENDPOINT", ""),
		OpenAIDeployment:      envStr(s, "GPT5_DEPLOYMENT", ""),
		OpenAIModel:           envStr(s, "GPT5_MODEL", ""),
		OpenAIAPIVersion:      envStr(s, "GPT5_API_VERSION", "2024-12-01-preview"),
		TextPromptPath:        envStr(s, "TEXT_PROMPT_PATH", "./ai/gpt5_prompt.txt"),
		ImagePromptPath:       envStr(s, "IMAGE_PROMPT_PATH", "./ai/gpt5_img_prompt.txt"),
		LLMTimeout:            envDur(s, "LLM_TIMEOUT", 120*time.Second),
		LLMMaxRetries:         envIntAllowZero(s, "LLM_MAX_RETRIES", 2),
		LLMMaxOutputTokens:    envInt(s, "LLM_MAX_OUTPUT_TOKENS", 16384),
		SummaryMaxInputTokens: envInt(s, "SUMMARY_MAX_INPUT_TOKENS", 120000),
		TokenEncoding:         envStr(s, "TOKEN_ENCODING", "o200k_base"),

		MaxJSONBodyBytes: envInt64(s, "MAX_JSON_BODY_BYTES", 2<<20),
		MaxDownloadBytes: envInt64(s, "MAX_DOWNLOAD_BYTES", 200<<20),
		MaxZipEntryBytes: envInt64(s, "MAX_ZIP_ENTRY_BYTES", 100<<20),
		MaxPDFPages:      envInt(s, "PDF_MAX_PAGES", 200),

		MaxConcurrentRequests: envInt64(s, "MAX_CONCURRENT_REQUESTS", 8),
		MaxOCRConcurrent:      envInt64(s, "MAX_OCR_CONCURRENT", 3),
		MaxPageWorkers:        envInt(s, "MAX_PAGE_WORKERS", 8),
		AttachmentWorkers:     envInt(s, "ATTACHMENT_WORKERS", 4),

		ReadHeaderTimeout: envDur(s, "READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur(s, "READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDur(s, "WRITE_TIMEOUT", 11*time.Minute),
		IdleTimeout:       envDur(s, "IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   envDur(s, "SHUTDOWN_TIMEOUT", 30*time.Second),

		ProcessTimeout: envDur(s, "PROCESS_TIMEOUT", 10*time.Minute),

		ScratchDir: envStr(s, "SCRATCH_DIR", ""),

		DownloadTimeout:   envDur(s, "DOWNLOAD_TIMEOUT", 30*time.Second),
		AllowPrivateHosts: envBool(s, "ALLOW_PRIVATE_DOWNLOAD_URLS", false),

		PDFToTextTimeout: envDur(s, "PDFTOTEXT_TIMEOUT", 10*time.Second),
		PDFToPPMTimeout:  envDur(s, "PDFTOPPM_TIMEOUT", 30*time.Second),
		PDFRasterDPI:     envInt(s, "PDF_RASTER_DPI", 150),

		RateLimitEvery: envDur(s, "RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt(s, "RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur(s, "CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat(s, "HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt(s, "MAX_HEADER_BYTES", 1<<20),

		settings: s,
	}
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.InternalSharedSecret)) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	if c.StorageEndpoint == "" {
		return fmt.Errorf("STORAGE_ACCOUNT_BLOB_ENDPOINT is required")
	}
	u, err := url.Parse(c.StorageEndpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("STORAGE_ACCOUNT_BLOB_ENDPOINT must be an http(s) URL")
	}
	if c.StorageAccountName == "" {
		return fmt.Errorf("STORAGE_ACCOUNT_NAME could not be determined")
	}
	if c.OpenAIEndpoint == "" {
		return fmt.Errorf("GPT5_ENDPOINT is required")
	}
	if c.OpenAIDeployment == "" {
		return fmt.Errorf("GPT5_DEPLOYMENT is required")
	}
	if c.AttachmentWorkers <= 0 || c.MaxPageWorkers <= 0 || c.MaxOCRConcurrent <= 0 {
		return fmt.Errorf("worker counts must be positive")
	}
	return nil
}

// Lookup exposes the layered settings for credential resolution.
func (c Config) Lookup(name string) (string, Source) {
	return c.settings.Lookup(name)
}

// AccountNameFromEndpoint derives the account from
// https://<account>.blob.core.windows.net or, for emulator style endpoints
// like http://127.0.0.1:10000/<account>, from the first path segment.
func AccountNameFromEndpoint(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return ""
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return strings.SplitN(p, "/", 2)[0]
	}
	host := u.Hostname()
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return ""
}

func envStr(s Settings, key, fallback string) string {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	return v
}

func envInt(s Settings, key string, fallback int) int {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envIntAllowZero(s Settings, key string, fallback int) int {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envInt64(s Settings, key string, fallback int64) int64 {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(s Settings, key string, fallback float64) float64 {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(s Settings, key string, fallback time.Duration) time.Duration {
	v, _ := s.Lookup(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(s Settings, key string, fallback bool) bool {
	v, _ := s.Lookup(key)
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}
