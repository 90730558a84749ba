package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/use-agent/pubcrawl/models"
)

// profileDirName is the per-user directory named profiles are saved in.
const profileDirName = ".pubcrawl_profiles"

// Profile is a saved set of CLI settings. Nil fields are unset, so a profile
// only overrides what it names. Keys match the CLI flag names with
// underscores.
type Profile struct {
	URL        *string `yaml:"url,omitempty"`
	URLPattern *string `yaml:"url_pattern,omitempty"`

	UserAgent  *string `yaml:"user_agent,omitempty"`
	ScreenSize *string `yaml:"screen_size,omitempty"`
	Proxy      *string `yaml:"proxy,omitempty"`

	Timeout          *int     `yaml:"timeout,omitempty"`
	Retries          *int     `yaml:"retries,omitempty"`
	WaitUntil        *string  `yaml:"wait_until,omitempty"`
	PostResponseWait *float64 `yaml:"post_response_wait,omitempty"` // seconds
	ContentLimit     *int     `yaml:"content_limit,omitempty"`
	IncludeBinary    *bool    `yaml:"include_binary,omitempty"`
	Stealth          *bool    `yaml:"stealth,omitempty"`
	BlockAds         *bool    `yaml:"block_ads,omitempty"`

	OutputFile     *string `yaml:"output_file,omitempty"`
	OutputFormat   *string `yaml:"output_format,omitempty"`
	IncludeHeaders *bool   `yaml:"include_headers,omitempty"`
	IncludeTLS     *bool   `yaml:"include_tls,omitempty"`

	Debug *bool `yaml:"debug,omitempty"`
}

// ProfileDir returns the directory named profiles are saved in.
func ProfileDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, profileDirName), nil
}

// ResolveProfilePath turns a profile reference into a file path. A bare
// name such as "myprofile" refers to a saved profile; anything that looks
// like a path is used as is.
func ResolveProfilePath(ref string) string {
	if strings.ContainsRune(ref, os.PathSeparator) || filepath.Ext(ref) != "" {
		return ref
	}
	if _, err := os.Stat(ref); err == nil {
		return ref
	}
	dir, err := ProfileDir()
	if err != nil {
		return ref
	}
	return filepath.Join(dir, ref+".yaml")
}

// LoadProfile reads a YAML profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// SaveProfile writes p as dir/name.yaml, creating dir when needed, and
// returns the written path.
func SaveProfile(dir, name string, p *Profile) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create profile directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode profile: %w", err)
	}
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write profile: %w", err)
	}
	return path, nil
}

// Merge fills every unset field of p from base. Fields p already sets win.
func (p *Profile) Merge(base *Profile) {
	if base == nil {
		return
	}
	fill(&p.URL, base.URL)
	fill(&p.URLPattern, base.URLPattern)
	fill(&p.UserAgent, base.UserAgent)
	fill(&p.ScreenSize, base.ScreenSize)
	fill(&p.Proxy, base.Proxy)
	fill(&p.Timeout, base.Timeout)
	fill(&p.Retries, base.Retries)
	fill(&p.WaitUntil, base.WaitUntil)
	fill(&p.PostResponseWait, base.PostResponseWait)
	fill(&p.ContentLimit, base.ContentLimit)
	fill(&p.IncludeBinary, base.IncludeBinary)
	fill(&p.Stealth, base.Stealth)
	fill(&p.BlockAds, base.BlockAds)
	fill(&p.OutputFile, base.OutputFile)
	fill(&p.OutputFormat, base.OutputFormat)
	fill(&p.IncludeHeaders, base.IncludeHeaders)
	fill(&p.IncludeTLS, base.IncludeTLS)
	fill(&p.Debug, base.Debug)
}

func fill[T any](dst **T, src *T) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

// CaptureOptions converts the profile into capture options. Unset fields
// stay zero so CaptureOptions.Defaults can fill them.
func (p *Profile) CaptureOptions() models.CaptureOptions {
	var o models.CaptureOptions
	if p.Timeout != nil {
		o.TimeoutMs = *p.Timeout
	}
	if p.Retries != nil {
		r := *p.Retries
		o.Retries = &r
	}
	if p.WaitUntil != nil {
		o.WaitUntil = models.ParseWaitUntil(*p.WaitUntil)
	}
	if p.PostResponseWait != nil {
		w := int((time.Duration(*p.PostResponseWait * float64(time.Second))).Milliseconds())
		o.PostResponseWaitMs = &w
	}
	if p.ContentLimit != nil {
		l := *p.ContentLimit
		o.ContentLimit = &l
	}
	o.IncludeBinary = deref(p.IncludeBinary)
	o.IncludeHeaders = deref(p.IncludeHeaders)
	o.IncludeTLS = deref(p.IncludeTLS)
	o.Stealth = deref(p.Stealth)
	o.BlockAds = deref(p.BlockAds)
	o.UserAgent = deref(p.UserAgent)
	o.ScreenSize = deref(p.ScreenSize)
	o.Proxy = deref(p.Proxy)
	return o
}

func deref[T any](v *T) T {
	var zero T
	if v == nil {
		return zero
	}
	return *v
}
