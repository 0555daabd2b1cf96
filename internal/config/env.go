package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/local/defectscan/internal/classifier"
	"github.com/local/defectscan/internal/pdfdoc"
	"github.com/local/defectscan/internal/scan"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// ClassifierConfig describes the prediction endpoints and prompts.
type ClassifierConfig struct {
	BaseURL         string
	StartFlowID     string
	EndFlowID       string
	StartURL        string
	EndURL          string
	APIKey          string
	MaxCharsPerPage int
	MaxAnchorChars  int
	StartPromptFile string
	EndPromptFile   string
	Vocabulary      classifier.Vocabulary
}

// ScanConfig is the FSM policy.
type ScanConfig struct {
	BatchSize      int
	MaxPages       int
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    time.Duration
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Concurrency        int
	ScanTimeout        time.Duration
	JobMaxAttempts     int
	RequeueDelay       time.Duration
	MaxInflight        int
	BreakerBaseBackoff time.Duration
	BreakerMaxBackoff  time.Duration
	StateTTL           time.Duration
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
	RedisURL     string
	Stream       string
	Group        string
	PollInterval time.Duration
}

// S3Config enables S3 artifacts and result upload when Bucket is set.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	ResultPrefix string
	Upload       bool
}

// OutputConfig covers local results and page renders.
type OutputConfig struct {
	ResultDir string
	UploadDir string
	RenderDir string
	Render    pdfdoc.RenderOptions
}

// ServerConfig is the HTTP API.
type ServerConfig struct {
	Addr string
	// RunDispatcher starts the worker pool inside the API process.
	RunDispatcher bool
}

// Config is the top-level configuration.
type Config struct {
	Logging    LoggingConfig
	Axiom      AxiomConfig
	Classifier ClassifierConfig
	Scan       ScanConfig
	Worker     WorkerConfig
	Queue      QueueConfig
	S3         S3Config
	Output     OutputConfig
	Server     ServerConfig
}

// Load reads .env files (missing files are ignored) and then the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	return FromEnv()
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/defectscan.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_defectscan",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Classifier = ClassifierConfig{
		BaseURL:         getEnv("FLOWISE_BASE_URL", ""),
		StartFlowID:     getEnv("FLOWISE_FLOW_SEARCH_START", ""),
		EndFlowID:       getEnv("FLOWISE_FLOW_SEARCH_END", ""),
		StartURL:        getEnv("FLOWISE_API_URL_SEARCH_START", ""),
		EndURL:          getEnv("FLOWISE_API_URL_SEARCH_END", ""),
		APIKey:          getEnv("FLOWISE_API_KEY", ""),
		MaxCharsPerPage: parseInt(getEnv("FLOWISE_MAX_CHARS_PER_PAGE", "3000"), 3000),
		MaxAnchorChars:  parseInt(getEnv("FLOWISE_MAX_ANCHOR_CHARS", "10000"), 10000),
		StartPromptFile: getEnv("PROMPT_SEARCH_START_FILE", ""),
		EndPromptFile:   getEnv("PROMPT_SEARCH_END_FILE", ""),
		Vocabulary: classifier.Vocabulary{
			StartFound:    getEnv("VERDICT_START_FOUND_FIELD", ""),
			StartPage:     getEnv("VERDICT_START_PAGE_FIELD", ""),
			EndLastPage:   getEnv("VERDICT_END_PAGE_FIELD", ""),
			EndDefinitely: getEnv("VERDICT_END_ENDED_FIELD", ""),
			Reason:        getEnv("VERDICT_REASON_FIELD", ""),
		},
	}

	def := scan.DefaultConfig()
	cfg.Scan = ScanConfig{
		BatchSize:      parseInt(getEnv("FLOWISE_BATCH_SIZE", ""), def.BatchSize),
		MaxPages:       parseInt(getEnv("SCAN_MAX_PAGES", ""), def.MaxPages),
		RequestTimeout: parseDuration(getEnv("FLOWISE_TIMEOUT", ""), def.RequestTimeout),
		MaxRetries:     parseInt(getEnv("SCAN_MAX_RETRIES", ""), def.MaxRetries),
		RetryBaseDelay: parseDuration(getEnv("RETRY_BASE_DELAY", ""), def.RetryBaseDelay),
		RetryMaxDelay:  parseDuration(getEnv("RETRY_MAX_DELAY", ""), def.RetryMaxDelay),
		RetryJitter:    parseDuration(getEnv("RETRY_JITTER", ""), def.RetryJitter),
	}

	cfg.Worker = WorkerConfig{
		Concurrency:        parseInt(getEnv("WORKER_CONCURRENCY", "4"), 4),
		ScanTimeout:        parseDuration(getEnv("SCAN_TOTAL_TIMEOUT", "30m"), 30*time.Minute),
		JobMaxAttempts:     parseInt(getEnv("JOB_MAX_ATTEMPTS", "3"), 3),
		RequeueDelay:       parseDuration(getEnv("JOB_REQUEUE_DELAY", "30s"), 30*time.Second),
		MaxInflight:        parseInt(getEnv("MAX_INFLIGHT_PER_ENDPOINT", "2"), 2),
		BreakerBaseBackoff: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMaxBackoff:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
		StateTTL:           parseDuration(getEnv("STATE_TTL", "168h"), 7*24*time.Hour),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		Stream:       getEnv("QUEUE_STREAM", "jobs:scan:ranges"),
		Group:        getEnv("QUEUE_GROUP", "workers:scan"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.S3 = S3Config{
		Bucket:       getEnv("S3_BUCKET", ""),
		Region:       getEnv("AWS_REGION", ""),
		Endpoint:     getEnv("S3_ENDPOINT", ""),
		AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("S3_SECRET_KEY", ""),
		UsePathStyle: parseBool(getEnv("S3_USE_PATH_STYLE", "false")),
		ResultPrefix: getEnv("S3_RESULT_PREFIX", "page_filter"),
		Upload:       parseBool(getEnv("S3_UPLOAD_RESULTS", "false")),
	}

	cfg.Output = OutputConfig{
		ResultDir: getEnv("RESULT_DIR", "uploads/results"),
		UploadDir: getEnv("UPLOAD_DIR", "uploads"),
		RenderDir: getEnv("RENDER_DIR", ""),
		Render: pdfdoc.RenderOptions{
			DPI:     parseInt(getEnv("RENDER_DPI", "150"), 150),
			Quality: parseInt(getEnv("RENDER_JPEG_QUALITY", "85"), 85),
			Color:   pdfdoc.ColorMode(getEnv("RENDER_COLOR", "rgb")),
		},
	}

	cfg.Server = ServerConfig{
		Addr:          getEnv("HTTP_ADDR", ":8080"),
		RunDispatcher: parseBool(getEnv("RUN_DISPATCHER", "true")),
	}

	return cfg
}

// ScanPolicy builds the immutable FSM config.
func (c Config) ScanPolicy() scan.Config {
	return scan.Config{
		BatchSize:      c.Scan.BatchSize,
		MaxPages:       c.Scan.MaxPages,
		RequestTimeout: c.Scan.RequestTimeout,
		MaxRetries:     c.Scan.MaxRetries,
		RetryBaseDelay: c.Scan.RetryBaseDelay,
		RetryMaxDelay:  c.Scan.RetryMaxDelay,
		RetryJitter:    c.Scan.RetryJitter,
	}
}

// ClassifierSettings loads prompt overrides and returns the adapter config.
func (c Config) ClassifierSettings() (classifier.Config, error) {
	tpl, err := classifier.LoadTemplates(c.Classifier.StartPromptFile, c.Classifier.EndPromptFile)
	if err != nil {
		return classifier.Config{}, err
	}
	return classifier.Config{
		BaseURL:         c.Classifier.BaseURL,
		StartFlowID:     c.Classifier.StartFlowID,
		EndFlowID:       c.Classifier.EndFlowID,
		StartURL:        c.Classifier.StartURL,
		EndURL:          c.Classifier.EndURL,
		APIKey:          c.Classifier.APIKey,
		MaxCharsPerPage: c.Classifier.MaxCharsPerPage,
		MaxAnchorChars:  c.Classifier.MaxAnchorChars,
		Vocabulary:      c.Classifier.Vocabulary,
		Templates:       tpl,
	}, nil
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	// bare numbers are seconds
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
