package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/pubcrawl/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Server.Port != 8080 || cfg.Server.Mode != "release" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Capture.TimeoutMs != models.DefaultTimeoutMs || cfg.Capture.Retries != models.DefaultRetries {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Sessions.MaxConcurrent != 4 {
		t.Errorf("max sessions = %d, want 4", cfg.Sessions.MaxConcurrent)
	}
	if len(cfg.Webhook.RetryDelays) != 3 {
		t.Errorf("webhook retry delays = %v", cfg.Webhook.RetryDelays)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PUBCRAWL_PORT", "9090")
	t.Setenv("PUBCRAWL_API_KEYS", "a, b ,,c")
	t.Setenv("PUBCRAWL_WAIT_UNTIL", "load,domcontentloaded")
	t.Setenv("PUBCRAWL_WEBHOOK_RETRY_DELAYS", "2s,bogus,4s")
	t.Setenv("PUBCRAWL_MAX_SESSIONS", "not-a-number")

	cfg := Load()
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if got := cfg.Auth.APIKeys; len(got) != 3 || got[1] != "b" {
		t.Errorf("api keys = %v", got)
	}
	if got := cfg.Capture.WaitUntil; len(got) != 2 || got[0] != "load" {
		t.Errorf("wait until = %v", got)
	}
	if got := cfg.Webhook.RetryDelays; len(got) != 2 || got[1] != 4*time.Second {
		t.Errorf("retry delays = %v", got)
	}
	if cfg.Sessions.MaxConcurrent != 4 {
		t.Errorf("invalid int should fall back, got %d", cfg.Sessions.MaxConcurrent)
	}
}

func TestCLILogConfig(t *testing.T) {
	t.Setenv("PUBCRAWL_LOG_LEVEL", "")
	t.Setenv("PUBCRAWL_LOG_FORMAT", "")
	if got := CLILogConfig(); got.Level != "warn" || got.Format != "text" {
		t.Errorf("defaults = %+v, want warn/text", got)
	}

	t.Setenv("PUBCRAWL_LOG_LEVEL", "debug")
	t.Setenv("PUBCRAWL_LOG_FORMAT", "json")
	if got := CLILogConfig(); got.Level != "debug" || got.Format != "json" {
		t.Errorf("from env = %+v", got)
	}
}

func TestCaptureConfig_Apply(t *testing.T) {
	c := CaptureConfig{
		TimeoutMs:    30000,
		Retries:      5,
		ContentLimit: 1024,
		WaitUntil:    []string{"load"},
		ScreenSize:   "800x600",
		BlockAds:     true,
		MaxTimeoutMs: 60000,
	}

	var empty models.CaptureOptions
	c.Apply(&empty)
	if empty.TimeoutMs != 30000 || empty.RetryLimit() != 5 || empty.Limit() != 1024 {
		t.Errorf("defaults not applied: %+v", empty)
	}
	if empty.ScreenSize != "800x600" || !empty.BlockAds {
		t.Errorf("defaults not applied: %+v", empty)
	}

	zero := 0
	set := models.CaptureOptions{TimeoutMs: 999999, Retries: &zero, ContentLimit: &zero}
	c.Apply(&set)
	if set.TimeoutMs != 60000 {
		t.Errorf("timeout = %d, want clamped to 60000", set.TimeoutMs)
	}
	if set.RetryLimit() != 0 || set.Limit() != 0 {
		t.Errorf("explicit zero values must win: retries=%d limit=%d", set.RetryLimit(), set.Limit())
	}
}

func TestProfile_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	timeout := 60000
	proxy := "socks5://127.0.0.1:9150"
	headers := true
	p := &Profile{Timeout: &timeout, Proxy: &proxy, IncludeHeaders: &headers}

	path, err := SaveProfile(dir, "complex", p)
	if err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if path != filepath.Join(dir, "complex.yaml") {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got == "" || !strings.Contains(got, "timeout: 60000") || !strings.Contains(got, "include_headers: true") {
		t.Errorf("unexpected yaml:\n%s", got)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if loaded.Timeout == nil || *loaded.Timeout != 60000 || loaded.Proxy == nil || *loaded.Proxy != proxy {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Retries != nil {
		t.Error("unset fields must stay unset")
	}
}

func TestSaveProfile_RejectsPathNames(t *testing.T) {
	if _, err := SaveProfile(t.TempDir(), "../escape", &Profile{}); err == nil {
		t.Error("expected error for name with a path separator")
	}
}

func TestLoadProfile_OriginalToolFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	yml := "url: https://example.com\nurl_pattern: api/v1\nwait_until: load,networkidle\npost_response_wait: 1.5\ncontent_limit: 0\ninclude_binary: true\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	o := p.CaptureOptions()
	if len(o.WaitUntil) != 2 || o.PostResponseWaitMs == nil || *o.PostResponseWaitMs != 1500 || o.Limit() != 0 || !o.IncludeBinary {
		t.Errorf("options = %+v", o)
	}
	if *p.URL != "https://example.com" || *p.URLPattern != "api/v1" {
		t.Errorf("url/pattern = %s/%s", *p.URL, *p.URLPattern)
	}
}

func TestProfile_MergeKeepsSetFields(t *testing.T) {
	cliRetries := 1
	fileRetries := 7
	fileUA := "ProfileAgent"
	cli := &Profile{Retries: &cliRetries}
	file := &Profile{Retries: &fileRetries, UserAgent: &fileUA}

	cli.Merge(file)
	if *cli.Retries != 1 {
		t.Errorf("retries = %d, want the flag value 1", *cli.Retries)
	}
	if cli.UserAgent == nil || *cli.UserAgent != "ProfileAgent" {
		t.Errorf("user agent = %v, want filled from profile", cli.UserAgent)
	}

	fileUA = "changed"
	if *cli.UserAgent != "ProfileAgent" {
		t.Error("merged fields must not alias the base profile")
	}
}

func TestResolveProfilePath(t *testing.T) {
	if got := ResolveProfilePath("configs/p.yaml"); got != "configs/p.yaml" {
		t.Errorf("path ref = %s", got)
	}
	t.Setenv("HOME", "/home/tester")
	if got := ResolveProfilePath("myprofile"); got != filepath.Join("/home/tester", profileDirName, "myprofile.yaml") {
		t.Errorf("name ref = %s", got)
	}
}
