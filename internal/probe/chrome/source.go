// Package chrome captures snapshots from a Chrome instance over the DevTools protocol.
package chrome

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/vrs-kit/vrs/internal/probe"
)

const (
	defaultTimeout     = 30 * time.Second
	screenshotQuality  = 100
	defaultBrowserName = "chrome"
)

//go:embed domdump.js
var domDumpScript string

// Option configures a Source.
type Option func(*Source)

// WithRemoteURL attaches to an already running browser instead of launching one.
func WithRemoteURL(url string) Option {
	return func(s *Source) {
		s.remoteURL = strings.TrimSpace(url)
	}
}

// WithHeadless controls whether a launched browser runs headless.
func WithHeadless(headless bool) Option {
	return func(s *Source) {
		s.headless = headless
	}
}

// WithWindowSize sets the launched browser window size.
func WithWindowSize(width, height int) Option {
	return func(s *Source) {
		if width > 0 && height > 0 {
			s.width = width
			s.height = height
		}
	}
}

// WithSelector limits image capture to the first element matching selector.
func WithSelector(selector string) Option {
	return func(s *Source) {
		s.selector = strings.TrimSpace(selector)
	}
}

// WithTimeout bounds each DevTools action.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Source) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithProber sets the prober used to normalize environment values.
func WithProber(prober *probe.Prober) Option {
	return func(s *Source) {
		if prober != nil {
			s.prober = prober
		}
	}
}

// Source is a probe.Source backed by chromedp.
type Source struct {
	remoteURL string
	headless  bool
	width     int
	height    int
	selector  string
	timeout   time.Duration
	prober    *probe.Prober

	browserCtx context.Context
	cancel     context.CancelFunc
}

// New starts (or attaches to) a browser and returns a Source bound to one tab.
// Close must be called to release the browser.
func New(ctx context.Context, options ...Option) (*Source, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	source := &Source{
		headless: true,
		width:    1366,
		height:   768,
		timeout:  defaultTimeout,
		prober:   probe.NewProber(),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(source)
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if source.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, source.remoteURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", source.headless),
			chromedp.WindowSize(source.width, source.height),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	source.browserCtx = browserCtx
	source.cancel = func() {
		browserCancel()
		allocCancel()
	}
	return source, nil
}

// Close shuts the tab and browser down.
func (s *Source) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// Navigate loads url and waits for the body to be ready.
func (s *Source) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// CaptureImage takes a PNG screenshot of the page or the configured element.
func (s *Source) CaptureImage(ctx context.Context) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.FullScreenshot(&buf, screenshotQuality)
	if s.selector != "" {
		action = chromedp.Screenshot(s.selector, &buf, chromedp.NodeVisible, chromedp.ByQuery)
	}
	if err := s.run(ctx, action); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("capture screenshot: empty image")
	}
	return buf, nil
}

// CaptureDOM returns a JSON dump of the visible elements on the page.
func (s *Source) CaptureDOM(ctx context.Context) (string, error) {
	var dump string
	if err := s.run(ctx, chromedp.Evaluate(domDumpScript, &dump)); err != nil {
		return "", fmt.Errorf("capture dom dump: %w", err)
	}
	return dump, nil
}

// Environment reads the browser product, navigator platform and window size.
func (s *Source) Environment(ctx context.Context) (probe.Environment, error) {
	var (
		product  string
		platform string
		size     []int
	)
	err := s.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, reported, _, _, _, err := browser.GetVersion().Do(ctx)
			if err != nil {
				return err
			}
			product = reported
			return nil
		}),
		chromedp.Evaluate(`navigator.platform`, &platform),
		chromedp.Evaluate(`[window.outerWidth, window.outerHeight]`, &size),
	)
	if err != nil {
		return probe.Environment{}, fmt.Errorf("read browser environment: %w", err)
	}

	caps := capabilitiesFromProduct(product)
	caps.NavigatorPlatform = platform
	if len(size) == 2 {
		caps.WindowWidth = size[0]
		caps.WindowHeight = size[1]
	}
	return s.prober.Probe(caps)
}

func (s *Source) run(ctx context.Context, actions ...chromedp.Action) error {
	if s == nil || s.browserCtx == nil {
		return errors.New("chrome source is not started")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.timeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// capabilitiesFromProduct parses a DevTools product string such as
// "HeadlessChrome/120.0.6099.109".
func capabilitiesFromProduct(product string) probe.Capabilities {
	name, version, _ := strings.Cut(strings.TrimSpace(product), "/")
	caps := probe.Capabilities{
		BrowserName:    defaultBrowserName,
		BrowserVersion: strings.TrimSpace(version),
	}
	if strings.HasPrefix(name, "Headless") {
		caps.Headless = true
	}
	return caps
}
