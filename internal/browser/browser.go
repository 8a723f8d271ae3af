package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

const defaultNavTimeout = 30 * time.Second

// launchArgs suit containers and CI hosts without a GPU or sandbox support.
var launchArgs = []string{
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-accelerated-2d-canvas",
	"--disable-gpu",
	"--no-zygote",
	"--disable-audio-output",
	"--disable-software-rasterizer",
	"--disable-webgl",
	"--disable-web-security",
	"--disable-features=LazyFrameLoading",
	"--disable-features=IsolateOrigins",
	"--disable-background-networking",
}

var ErrClosed = errors.New("browser closed")

type Config struct {
	Headless   bool
	NavTimeout time.Duration
	// Install downloads the playwright driver and chromium before the first launch.
	Install bool
}

// Launcher starts a fresh playwright driver and chromium process per Launch.
type Launcher struct {
	cfg    Config
	logger zerolog.Logger

	installOnce sync.Once
	installErr  error
}

func NewLauncher(cfg Config, logger zerolog.Logger) *Launcher {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) Launch(ctx context.Context) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.ensureDeps(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.cfg.Headless),
		Args:     launchArgs,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	page, err := b.NewPage()
	if err != nil {
		_ = b.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(l.cfg.NavTimeout.Milliseconds()))
	l.logger.Debug().Bool("headless", l.cfg.Headless).Msg("browser launched")
	return &Instance{pw: pw, browser: b, page: page, navTimeout: l.cfg.NavTimeout, logger: l.logger}, nil
}

func (l *Launcher) ensureDeps() error {
	if !l.cfg.Install {
		return nil
	}
	l.installOnce.Do(func() {
		l.installErr = playwright.Install(&playwright.RunOptions{
			Browsers: []string{"chromium"},
			Verbose:  false,
		})
		if l.installErr != nil {
			l.installErr = fmt.Errorf("install playwright: %w", l.installErr)
		}
	})
	return l.installErr
}

// Instance is one chromium process with a single page.
type Instance struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	page       playwright.Page
	navTimeout time.Duration
	logger     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Navigate loads url and waits for the load event.
func (i *Instance) Navigate(ctx context.Context, url string) error {
	page, err := i.livePage(ctx)
	if err != nil {
		return err
	}
	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(i.navTimeout.Milliseconds())),
	})
	return wrap(err)
}

func (i *Instance) Content(ctx context.Context) (string, error) {
	page, err := i.livePage(ctx)
	if err != nil {
		return "", err
	}
	html, err := page.Content()
	return html, wrap(err)
}

// Screenshot captures a PNG of the viewport, or of the whole page when fullPage is set.
func (i *Instance) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	page, err := i.livePage(ctx)
	if err != nil {
		return nil, err
	}
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		Type:     playwright.ScreenshotTypePng,
		FullPage: playwright.Bool(fullPage),
	})
	return data, wrap(err)
}

// Closed reports whether Close ran or the page went away underneath us.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed || i.page == nil || i.page.IsClosed()
}

// Close shuts the browser and the playwright driver. Later calls are no-ops.
func (i *Instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true

	var errs []error
	if i.browser != nil {
		if err := i.browser.Close(); err != nil {
			errs = append(errs, wrap(err))
		}
	}
	if i.pw != nil {
		if err := i.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
	}
	i.pw, i.browser, i.page = nil, nil, nil
	i.logger.Debug().Msg("browser closed")
	return errors.Join(errs...)
}

func (i *Instance) livePage(ctx context.Context) (playwright.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed || i.page == nil || i.page.IsClosed() {
		return nil, ErrClosed
	}
	return i.page, nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
