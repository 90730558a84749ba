package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/use-agent/pubcrawl/config"
	"github.com/use-agent/pubcrawl/models"
	"github.com/use-agent/pubcrawl/output"
	"github.com/use-agent/pubcrawl/scraper"
	"github.com/use-agent/pubcrawl/session"
)

// Exit codes.
const (
	exitOK         = 0
	exitNavFailure = 1
	exitInvalid    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cliArgs is the parsed command line.
type cliArgs struct {
	settings    *config.Profile
	profileRef  string
	saveProfile string
}

// parseArgs parses flags and the two positionals, which may appear in any
// order relative to the flags. Only flags given explicitly end up in the
// returned profile so a loaded profile can fill the rest.
func parseArgs(args []string, stderr io.Writer) (*cliArgs, error) {
	fs := flag.NewFlagSet("pubcrawl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: pubcrawl [flags] <url> <url_pattern>")
		fs.PrintDefaults()
	}

	var (
		userAgent      = fs.String("user-agent", "", "user agent string (default: the browser's own)")
		screenSize     = fs.String("screen-size", models.DefaultScreenSize, "viewport as WIDTHxHEIGHT")
		proxy          = fs.String("proxy", "", "proxy server, e.g. socks5://127.0.0.1:9150")
		timeout        = fs.Int("timeout", models.DefaultTimeoutMs, "page load timeout in milliseconds")
		retries        = fs.Int("retries", models.DefaultRetries, "retries after a failed page load")
		waitUntil      = fs.String("wait-until", models.WaitNetworkIdle, "comma-separated: domcontentloaded,load,networkidle,commit")
		postWait       = fs.Float64("post-response-wait", 0, "seconds to keep capturing after load (default: random 0.7-1.3)")
		contentLimit   = fs.Int("content-limit", models.DefaultContentLimit, "max stored bytes per response, 0 for no limit")
		includeBinary  = fs.Bool("include-binary", false, "store bodies of binary responses")
		stealth        = fs.Bool("stealth", false, "hide headless browser fingerprints")
		blockAds       = fs.Bool("block-ads", false, "block well-known ad and tracking hosts")
		outputFile     = fs.String("output-file", "", "write the report here instead of stdout")
		outputFormat   = fs.String("output-format", output.FormatJSON, "json or csv")
		includeHeaders = fs.Bool("include-headers", false, "include response headers")
		includeTLS     = fs.Bool("include-tls", false, "include TLS details")
		debug          = fs.Bool("debug", false, "visible browser with devtools and debug logging")
		profileRef     = fs.String("profile", "", "profile name or path to a profile YAML file")
		saveProfile    = fs.String("save-profile", "", "save the given settings as a named profile and exit")
	)

	var positionals []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positionals = append(positionals, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if len(positionals) > 2 {
		return nil, fmt.Errorf("unexpected argument %q", positionals[2])
	}

	p := &config.Profile{}
	if len(positionals) > 0 {
		p.URL = &positionals[0]
	}
	if len(positionals) > 1 {
		p.URLPattern = &positionals[1]
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "user-agent":
			p.UserAgent = userAgent
		case "screen-size":
			p.ScreenSize = screenSize
		case "proxy":
			p.Proxy = proxy
		case "timeout":
			p.Timeout = timeout
		case "retries":
			p.Retries = retries
		case "wait-until":
			p.WaitUntil = waitUntil
		case "post-response-wait":
			p.PostResponseWait = postWait
		case "content-limit":
			p.ContentLimit = contentLimit
		case "include-binary":
			p.IncludeBinary = includeBinary
		case "stealth":
			p.Stealth = stealth
		case "block-ads":
			p.BlockAds = blockAds
		case "output-file":
			p.OutputFile = outputFile
		case "output-format":
			p.OutputFormat = outputFormat
		case "include-headers":
			p.IncludeHeaders = includeHeaders
		case "include-tls":
			p.IncludeTLS = includeTLS
		case "debug":
			p.Debug = debug
		}
	})

	return &cliArgs{settings: p, profileRef: *profileRef, saveProfile: *saveProfile}, nil
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	// ── 1. Parse command line ───────────────────────────────────────
	cli, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitInvalid
	}
	p := cli.settings

	// ── 2. Merge profile ────────────────────────────────────────────
	if cli.profileRef != "" {
		loaded, err := config.LoadProfile(config.ResolveProfilePath(cli.profileRef))
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitInvalid
		}
		p.Merge(loaded)
	}

	// ── 3. Save profile and exit ────────────────────────────────────
	if cli.saveProfile != "" {
		dir, err := config.ProfileDir()
		if err == nil {
			var path string
			path, err = config.SaveProfile(dir, cli.saveProfile, p)
			if err == nil {
				fmt.Fprintf(stderr, "Profile saved to %s\n", path)
				return exitOK
			}
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitInvalid
	}

	// ── 4. Build target ─────────────────────────────────────────────
	format := output.FormatJSON
	if p.OutputFormat != nil {
		format = *p.OutputFormat
	}
	if !output.ValidFormat(format) {
		fmt.Fprintf(stderr, "error: unsupported output format %q\n", format)
		return exitInvalid
	}
	if p.URL == nil || p.URLPattern == nil {
		fmt.Fprintln(stderr, "usage: pubcrawl [flags] <url> <url_pattern>")
		return exitInvalid
	}
	target, err := models.NewTarget(*p.URL, *p.URLPattern, p.CaptureOptions())
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitInvalid
	}

	// ── 5. Capture ──────────────────────────────────────────────────
	cfg := config.Load()
	debug := p.Debug != nil && *p.Debug
	initLogger(config.CLILogConfig(), debug, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := session.Run(ctx, scraper.NewLauncher(cfg.Browser), target, session.WithDebug(debug))
	code := exitCode(err)
	var navErr *models.NavigationError
	switch {
	case errors.As(err, &navErr):
		fmt.Fprintf(stderr, "error: %v\n", err)
		report = navErr.Report
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return code
	}

	// ── 6. Write report ─────────────────────────────────────────────
	if p.OutputFile != nil && *p.OutputFile != "" {
		if err := output.WriteFile(*p.OutputFile, report, format); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return exitNavFailure
		}
		fmt.Fprintf(stderr, "Results saved to %s\n", *p.OutputFile)
	} else if err := output.Write(stdout, report, format); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitNavFailure
	}
	output.WriteSummary(stderr, report)

	return code
}

// exitCode maps a session error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case models.HasCode(err, models.ErrCodeInvalidInput), models.HasCode(err, models.ErrCodeInvalidPattern):
		return exitInvalid
	default:
		return exitNavFailure
	}
}

// initLogger sends logs to w, stderr in practice, so stdout carries only the
// report.
func initLogger(cfg config.LogConfig, debug bool, w io.Writer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
