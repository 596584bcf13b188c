// File: internal/browser/reader.go
// Browser collaborator for the open_url and browser_extract_text actions.
// One headless Chrome instance per Reader; navigation state persists across
// steps within a run so extract can follow open_url.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/internal/config"
)

// Reader drives a single Chrome session for browser steps.
type Reader struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	started     bool
}

// NewReader builds a lazy browser reader. Chrome launches on first use, not
// at construction, so runs without browser steps never pay for it.
func NewReader(cfg config.BrowserConfig, logger *zap.Logger) *Reader {
	return &Reader{cfg: cfg, logger: logger.Named("Browser")}
}

// ensureStarted launches the allocator and a tab context on first use. The
// browser outlives any single step, so it is anchored to the background
// context rather than the caller's.
func (r *Reader) ensureStarted(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", r.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	r.allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	r.tabCtx, r.tabCancel = chromedp.NewContext(r.allocCtx)

	// Prime the browser so the first navigation does not absorb launch time.
	startCtx, cancel := context.WithTimeout(r.tabCtx, r.cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		r.closeLocked()
		return fmt.Errorf("browser launch failed: %w", err)
	}
	r.started = true
	r.logger.Info("Browser session started", zap.Bool("headless", r.cfg.Headless))
	return nil
}

// Open navigates the session tab to the URL and waits for the document body.
func (r *Reader) Open(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("open_url: url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}
	if err := r.ensureStarted(ctx); err != nil {
		return err
	}

	navCtx, cancel := context.WithTimeout(r.tabCtx, r.cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open_url: navigation to %s failed: %w", url, err)
	}
	r.logger.Debug("Navigated", zap.String("url", url))
	return nil
}

// ExtractText returns the visible text of the current page, or of the nodes
// matching the optional CSS selector.
func (r *Reader) ExtractText(ctx context.Context, selector string) (string, error) {
	if err := r.ensureStarted(ctx); err != nil {
		return "", err
	}
	if selector == "" {
		selector = "body"
	}

	extractCtx, cancel := context.WithTimeout(r.tabCtx, r.cfg.ExtractTimeout)
	defer cancel()

	var text string
	err := chromedp.Run(extractCtx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Text(selector, &text, chromedp.ByQuery, chromedp.NodeVisible),
	)
	if err != nil {
		return "", fmt.Errorf("browser_extract_text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// CurrentURL reports the tab's location, used as verification evidence.
func (r *Reader) CurrentURL(ctx context.Context) (string, error) {
	if err := r.ensureStarted(ctx); err != nil {
		return "", err
	}
	var loc string
	locCtx, cancel := context.WithTimeout(r.tabCtx, r.cfg.ExtractTimeout)
	defer cancel()
	if err := chromedp.Run(locCtx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// Close tears the browser down. Safe to call without a prior start.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Reader) closeLocked() {
	if r.tabCancel != nil {
		r.tabCancel()
		r.tabCancel = nil
	}
	if r.allocCancel != nil {
		r.allocCancel()
		r.allocCancel = nil
	}
	r.started = false
}
