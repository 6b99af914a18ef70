package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/snapframe/snapframe/internal/snapshot"
)

// ChromedpConfig controls the headless Chrome backend.
type ChromedpConfig struct {
	UserAgent string
}

// ChromedpBackend spawns tabs from a shared Chrome process via chromedp.
type ChromedpBackend struct {
	cfg         ChromedpConfig
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp builds the exec allocator the pool's tabs are created from.
func NewChromedp(cfg ChromedpConfig) *ChromedpBackend {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromedpBackend{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// NewTab starts a fresh tab and blocks until the underlying target is live.
func (b *ChromedpBackend) NewTab(ctx context.Context) (Tab, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	t := &chromeTab{ctx: tabCtx, cancel: tabCancel}
	// An empty Run materializes the browser target; without it the first
	// navigation would pay the startup cost inside the request deadline.
	if err := t.run(ctx, network.Enable()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("chromedp tab warmup: %w", err)
	}
	return t, nil
}

// Close cancels the allocator, terminating the Chrome process.
func (b *ChromedpBackend) Close() error {
	b.allocCancel()
	return nil
}

type chromeTab struct {
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (t *chromeTab) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	var buf []byte
	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}
	actions := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(opts.Width), int64(opts.Height), scale, false),
		chromedp.ActionFunc(func(ctx context.Context) error {
			data, err := t.capture(ctx, opts)
			if err != nil {
				return err
			}
			buf = data
			return nil
		}),
	}
	if err := t.run(ctx, actions...); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *chromeTab) capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	if opts.Format == snapshot.FormatPDF {
		params := page.PrintToPDF().WithPrintBackground(!opts.OmitBackground)
		if opts.Scale > 0 {
			params = params.WithScale(opts.Scale)
		}
		data, _, err := params.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("print to pdf: %w", err)
		}
		return data, nil
	}

	if opts.OmitBackground {
		if err := emulation.SetDefaultBackgroundColorOverride().
			WithColor(&cdp.RGBA{A: 0}).Do(ctx); err != nil {
			return nil, fmt.Errorf("set background override: %w", err)
		}
	}
	params := page.CaptureScreenshot().
		WithFormat(screenshotFormat(opts.Format)).
		WithCaptureBeyondViewport(opts.FullPage)
	if opts.Quality > 0 && opts.Format != snapshot.FormatPNG {
		params = params.WithQuality(int64(opts.Quality))
	}
	data, err := params.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return data, nil
}

func (t *chromeTab) Probe(ctx context.Context) error {
	var one int
	return t.run(ctx, chromedp.Evaluate("1", &one))
}

func (t *chromeTab) Reset(ctx context.Context) error {
	return t.run(ctx, chromedp.Navigate("about:blank"))
}

func (t *chromeTab) Close() error {
	t.closeOnce.Do(t.cancel)
	return nil
}

// run executes actions on the tab's chromedp context while honoring the
// caller context's deadline and cancellation.
func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := t.ctx
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(runCtx, deadline)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func screenshotFormat(f snapshot.Format) page.CaptureScreenshotFormat {
	switch f {
	case snapshot.FormatJPEG:
		return page.CaptureScreenshotFormatJpeg
	case snapshot.FormatWebP:
		return page.CaptureScreenshotFormatWebp
	default:
		return page.CaptureScreenshotFormatPng
	}
}
