package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("FLOWISE_BATCH_SIZE", "")
	cfg := FromEnv()
	if cfg.Scan.BatchSize != 5 || cfg.Scan.MaxRetries != 2 || cfg.Scan.RequestTimeout != 120*time.Second {
		t.Errorf("scan defaults = %+v", cfg.Scan)
	}
	if cfg.Classifier.MaxCharsPerPage != 3000 || cfg.Classifier.MaxAnchorChars != 10000 {
		t.Errorf("classifier defaults = %+v", cfg.Classifier)
	}
	if err := cfg.ScanPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FLOWISE_BATCH_SIZE", "3")
	t.Setenv("SCAN_MAX_PAGES", "40")
	t.Setenv("FLOWISE_TIMEOUT", "90")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("FLOWISE_API_URL_SEARCH_START", "http://flow/start")
	t.Setenv("VERDICT_START_PAGE_FIELD", "page")
	t.Setenv("S3_USE_PATH_STYLE", "yes")

	cfg := FromEnv()
	p := cfg.ScanPolicy()
	if p.BatchSize != 3 || p.MaxPages != 40 || p.RequestTimeout != 90*time.Second || p.RetryBaseDelay != 500*time.Millisecond {
		t.Errorf("policy = %+v", p)
	}
	if cfg.Classifier.StartURL != "http://flow/start" || cfg.Classifier.Vocabulary.StartPage != "page" {
		t.Errorf("classifier = %+v", cfg.Classifier)
	}
	if !cfg.S3.UsePathStyle {
		t.Error("path style not parsed")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("QUEUE_STREAM=from-dotenv\nQUEUE_GROUP=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUEUE_GROUP", "from-env")
	// godotenv sets variables the test did not register; clear it afterwards.
	t.Cleanup(func() { os.Unsetenv("QUEUE_STREAM") })

	cfg := Load(p)
	if cfg.Queue.Stream != "from-dotenv" {
		t.Errorf("stream = %q", cfg.Queue.Stream)
	}
	if cfg.Queue.Group != "from-env" {
		t.Errorf("environment should win, group = %q", cfg.Queue.Group)
	}
}

func TestClassifierSettingsPromptOverride(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "start.tmpl")
	if err := os.WriteFile(p, []byte("pages:\n{{.PagesContent}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROMPT_SEARCH_START_FILE", p)
	cs, err := FromEnv().ClassifierSettings()
	if err != nil {
		t.Fatal(err)
	}
	if cs.Templates.Start == nil || cs.Templates.End == nil {
		t.Fatal("templates not loaded")
	}

	t.Setenv("PROMPT_SEARCH_START_FILE", filepath.Join(dir, "missing.tmpl"))
	if _, err := FromEnv().ClassifierSettings(); err == nil {
		t.Error("missing prompt file should fail")
	}
}
