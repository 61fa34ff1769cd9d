// Package audit runs single-page accessibility audits in headless Chrome.
package audit

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/policy/ratelimit"
	"github.com/a11yscan/a11yscan/internal/scan"
)

//go:embed engine.js
var engineJS string

// Config controls the behavior of the Chrome auditor.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// DomainQPS optionally paces audits per target host; zero disables it.
	DomainQPS float64
}

const defaultNavigationTimeout = 30 * time.Second

// ChromeAuditor implements scan.Auditor using chromedp. Each audit runs in
// an isolated browser tab that is torn down on every exit path.
type ChromeAuditor struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	pacer       *ratelimit.Limiter
}

// NewChromeAuditor creates an auditor backed by a shared Chrome allocator.
func NewChromeAuditor(cfg Config, logger *zap.Logger) (*ChromeAuditor, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromeAuditor{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
		pacer:       ratelimit.New(ratelimit.Config{QPS: cfg.DomainQPS}),
	}, nil
}

// Close tears down the Chrome allocator.
func (a *ChromeAuditor) Close() {
	a.allocCancel()
}

// Audit runs the scan pipeline against the target URL. The returned error is
// a pipeline abort (navigation or engine failure); title and screenshot
// problems are logged and never abort the run.
func (a *ChromeAuditor) Audit(ctx context.Context, targetURL string) (scan.Outcome, error) {
	if err := a.pacer.Wait(ctx, targetURL); err != nil {
		return scan.Outcome{}, fmt.Errorf("audit pacing: %w", err)
	}

	// Isolated session per job; the deferred cancels guarantee release on
	// every exit path.
	tabCtx, cancelTab := chromedp.NewContext(a.allocator)
	defer cancelTab()

	runCtx, cancelRun := context.WithTimeout(tabCtx, a.cfg.NavigationTimeout)
	defer cancelRun()

	start := time.Now()

	var finalURL string
	nav := []chromedp.Action{
		a.sessionSetupAction(),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(runCtx, nav...); err != nil {
		return scan.Outcome{}, fmt.Errorf("navigate %s: %w", targetURL, err)
	}

	var title string
	if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
		a.logger.Warn("page title read failed", zap.String("url", targetURL), zap.Error(err))
	}
	if strings.TrimSpace(title) == "" {
		a.logger.Warn("page has no title", zap.String("url", finalURL))
	}

	if err := chromedp.Run(runCtx, chromedp.Evaluate(engineJS, nil)); err != nil {
		return scan.Outcome{}, fmt.Errorf("inject audit engine: %w", err)
	}

	screenshot := a.captureScreenshot(runCtx, finalURL)

	var raw []engineViolation
	if err := chromedp.Run(runCtx, chromedp.Evaluate("window.__a11yscanAudit.run()", &raw)); err != nil {
		return scan.Outcome{}, fmt.Errorf("run audit engine: %w", err)
	}

	return scan.Outcome{
		ActualURL:  finalURL,
		PageTitle:  title,
		Success:    true,
		Violations: convertViolations(raw),
		Screenshot: screenshot,
		Duration:   time.Since(start),
	}, nil
}

// captureScreenshot is best-effort: any failure is swallowed and logged.
func (a *ChromeAuditor) captureScreenshot(ctx context.Context, pageURL string) []byte {
	var buf []byte
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		shot, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		if err != nil {
			return err
		}
		buf = shot
		return nil
	})
	if err := chromedp.Run(ctx, action); err != nil {
		a.logger.Warn("screenshot capture failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	return buf
}

func (a *ChromeAuditor) sessionSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if a.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(a.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// engineViolation mirrors the JSON emitted by the in-page rule engine.
type engineViolation struct {
	RuleID      string       `json:"rule_id"`
	Impact      string       `json:"impact"`
	Description string       `json:"description"`
	Help        string       `json:"help"`
	HelpURL     string       `json:"help_url"`
	Tags        []string     `json:"tags"`
	Nodes       []engineNode `json:"nodes"`
}

type engineNode struct {
	HTML           string   `json:"html"`
	Target         []string `json:"target"`
	FailureSummary string   `json:"failure_summary"`
	Checks         []string `json:"checks"`
}

func convertViolations(raw []engineViolation) []scan.Violation {
	out := make([]scan.Violation, 0, len(raw))
	for _, v := range raw {
		violation := scan.Violation{
			RuleID:      v.RuleID,
			Impact:      scan.Impact(v.Impact),
			Description: v.Description,
			HelpText:    v.Help,
			HelpURL:     v.HelpURL,
			Tags:        v.Tags,
		}
		for _, n := range v.Nodes {
			violation.AffectedNodes = append(violation.AffectedNodes, scan.ViolationNode{
				HTMLSnippet:     n.HTML,
				TargetSelectors: n.Target,
				FailureSummary:  n.FailureSummary,
				Checks:          n.Checks,
			})
		}
		out = append(out, violation)
	}
	return out
}
