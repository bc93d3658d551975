// Package chrome implements browser sessions on top of chromedp and headless
// Chrome. Each session owns one browser process so that it can carry its own
// proxy identity.
package chrome

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/session"
)

//go:embed scripts/utils.js
var utilsScript string

// Config controls how browsers are launched.
type Config struct {
	Headless      bool
	ExecPath      string
	UserAgent     string
	WindowWidth   int
	WindowHeight  int
	LaunchTimeout time.Duration
	NoSandbox     bool
}

// Browser launches chromedp sessions. It implements session.Factory.
type Browser struct {
	cfg    Config
	logger *zap.Logger
}

// NewBrowser validates cfg and returns a Browser.
func NewBrowser(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.WindowWidth < 0 || cfg.WindowHeight < 0 {
		return nil, fmt.Errorf("window size must be >= 0")
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{cfg: cfg, logger: logger.Named("chrome")}, nil
}

// Create launches a browser process configured with identity and opens one tab.
func (b *Browser) Create(ctx context.Context, id int64, identity crawler.Identity) (session.Managed, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions(identity)...)

	sugar := b.logger.Sugar().With("session_id", id)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(sugar.Debugf),
	)

	s := newSession(id, tabCtx, func() {
		tabCancel()
		allocCancel()
	})
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)

	// The first Run starts the browser and must use the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(tabCtx, b.cfg.LaunchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(setupCtx, b.setupAction(identity)); err != nil {
		s.cancel()
		return nil, fmt.Errorf("set up session #%d: %w", id, err)
	}
	return s, nil
}

func (b *Browser) allocatorOptions(identity crawler.Identity) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	if b.cfg.WindowWidth > 0 && b.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(b.cfg.WindowWidth, b.cfg.WindowHeight))
	}
	if !identity.IsDirect() {
		opts = append(opts, chromedp.ProxyServer(identity.Proxy))
	}
	if ua := b.userAgent(identity); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	return opts
}

func (b *Browser) userAgent(identity crawler.Identity) string {
	if identity.UserAgent != "" {
		return identity.UserAgent
	}
	return b.cfg.UserAgent
}

func (b *Browser) setupAction(identity crawler.Identity) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(utilsScript).Do(ctx); err != nil {
			return fmt.Errorf("inject utility script: %w", err)
		}
		if ua := b.userAgent(identity); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}
