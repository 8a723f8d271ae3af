package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/course-scout/internal/agent"
	"github.com/polzovatel/course-scout/internal/browser"
	"github.com/polzovatel/course-scout/internal/config"
	"github.com/polzovatel/course-scout/internal/display"
	"github.com/polzovatel/course-scout/internal/extract"
	"github.com/polzovatel/course-scout/internal/llm"
	"github.com/polzovatel/course-scout/internal/remote"
	"github.com/polzovatel/course-scout/internal/scrape"
)

const (
	defaultURL          = "https://www.deeplearning.ai/courses"
	defaultBaseURL      = "https://deeplearning.ai"
	defaultTask         = "get list all the courses"
	defaultInstructions = "Get all the courses"
)

var demoInstructions = []string{
	"Find the course on RAG and open it",
	"Summarize the course",
	"Detailed course lessons",
}

type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, "; ") }

func (l *listFlag) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*l = append(*l, v)
	}
	return nil
}

type cliOptions struct {
	mode         string
	url          string
	baseURL      string
	tasks        listFlag
	instructions string
	maxSteps     int
	keepSession  bool
	closeAll     bool
	install      bool
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(cfg.LogLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}
	if opts.maxSteps > 0 {
		cfg.MaxSteps = opts.maxSteps
	}

	switch opts.mode {
	case "session", "demo":
		err = runSession(ctx, cfg, opts)
	case "scrape":
		err = runScrape(ctx, cfg, opts)
	case "sessions":
		err = runSessions(ctx, cfg, opts)
	default:
		err = fmt.Errorf("unknown mode %q (use session, demo, scrape or sessions)", opts.mode)
	}
	if err != nil {
		log.Error().Err(err).Str("mode", opts.mode).Msg("run finished with error")
		stop()
		os.Exit(1)
	}
}

func parseFlags() cliOptions {
	var opts cliOptions
	flag.StringVar(&opts.mode, "mode", "session", "session, demo, scrape or sessions")
	flag.StringVar(&opts.url, "url", defaultURL, "Start or target URL")
	flag.StringVar(&opts.baseURL, "base-url", defaultBaseURL, "Site root used to resolve relative course links")
	flag.Var(&opts.tasks, "task", "Instruction for the remote agent (repeat for demo mode)")
	flag.StringVar(&opts.instructions, "instructions", defaultInstructions, "Extraction instructions for scrape mode")
	flag.IntVar(&opts.maxSteps, "max-steps", 0, "Step budget per instruction (default AGENT_MAX_STEPS)")
	flag.BoolVar(&opts.keepSession, "keep-session", false, "Leave the remote session open when the run ends")
	flag.BoolVar(&opts.closeAll, "close-all", false, "Close every remote session (sessions mode)")
	flag.BoolVar(&opts.install, "install", false, "Install playwright and chromium before scraping")
	flag.Parse()
	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	opts.url = strings.TrimSpace(opts.url)
	return opts
}

func newDriver(cfg config.Config) (*agent.Driver, error) {
	client, err := remote.New(cfg.MultiOnAPIKey,
		remote.WithBaseURL(cfg.MultiOnBaseURL),
		remote.WithLogger(log.With().Str("comp", "remote").Logger()),
	)
	if err != nil {
		return nil, err
	}
	return agent.NewDriver(client, log.With().Str("comp", "driver").Logger()), nil
}

func runSession(ctx context.Context, cfg config.Config, opts cliOptions) error {
	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}
	orch := agent.NewOrchestrator(
		agent.Config{MaxSteps: cfg.MaxSteps, MaxImageWidth: cfg.MaxImageWidth, CloseOnFinish: !opts.keepSession},
		driver,
		display.NewLogSink(log.With().Str("comp", "display").Logger(), cfg.ScreenshotDir),
		log.With().Str("comp", "orch").Logger(),
	)

	if opts.mode == "demo" {
		instructions := []string(opts.tasks)
		if len(instructions) == 0 {
			instructions = demoInstructions
		}
		_, err = orch.RunInstructions(ctx, opts.url, instructions)
		return err
	}

	task := defaultTask
	switch len(opts.tasks) {
	case 0:
		prompted, cancelled, err := promptTask()
		if err != nil {
			return fmt.Errorf("prompt task: %w", err)
		}
		if cancelled {
			fmt.Println("Cancelled.")
			return nil
		}
		if prompted != "" {
			task = prompted
		}
	case 1:
		task = opts.tasks[0]
	default:
		return errors.New("session mode takes one -task, use -mode demo for several")
	}
	_, err = orch.RunTask(ctx, opts.url, task)
	return err
}

func runScrape(ctx context.Context, cfg config.Config, opts cliOptions) error {
	client, err := llm.New(cfg.LLM, log.With().Str("comp", "llm").Logger())
	if err != nil {
		return fmt.Errorf("llm init: %w", err)
	}
	launcher := browser.NewLauncher(
		browser.Config{Headless: cfg.Headless, Install: opts.install},
		log.With().Str("comp", "browser").Logger(),
	)
	pipeline := scrape.New(
		func(ctx context.Context) (scrape.Browser, error) {
			inst, err := launcher.Launch(ctx)
			if err != nil {
				return nil, err
			}
			return inst, nil
		},
		extract.NewExtractor(client, log.With().Str("comp", "extract").Logger()),
		scrape.WithSettleDelay(cfg.SettleDelay),
		scrape.WithMaxMarkupChars(cfg.MaxMarkupChars),
		scrape.WithCondense(cfg.CondenseMarkup),
		scrape.WithLogger(log.With().Str("comp", "scrape").Logger()),
	)

	res := pipeline.Run(ctx, opts.url, opts.instructions)
	if res.Courses != nil {
		if err := res.Courses.ResolveURLs(opts.baseURL); err != nil {
			log.Warn().Err(err).Msg("resolve course links")
		}
	}
	if err := display.WriteCourses(os.Stdout, opts.url, opts.instructions, res.Courses, res.Err); err != nil {
		return err
	}
	if cfg.ScreenshotDir != "" && len(res.Screenshot) > 0 {
		name := fmt.Sprintf("scrape-%s.png", time.Now().Format("20060102-150405"))
		path, err := display.SaveScreenshot(cfg.ScreenshotDir, name, res.Screenshot, 0)
		if err != nil {
			log.Warn().Err(err).Msg("save screenshot")
		} else {
			log.Info().Str("path", filepath.Clean(path)).Msg("screenshot saved")
		}
	}
	return res.Err
}

func runSessions(ctx context.Context, cfg config.Config, opts cliOptions) error {
	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}
	if opts.closeAll {
		return driver.CloseAllSessions(ctx)
	}
	ids, err := driver.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No open sessions.")
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server")
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("Enter a task (empty for %q, \"-\" to cancel): ", defaultTask)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "-" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if r := []rune(line); len(r) > maxTaskLength {
		fmt.Printf("Task too long (max %d characters), truncated\n", maxTaskLength)
		line = string(r[:maxTaskLength])
	}

	// Drop control characters except tabs.
	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String(), false, nil
}
