package emulator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// initialScroll is passed to waitForReady, which scrolls while waiting.
const initialScroll = 5

var scrollPositions = []float64{0.2, 0.3, 0.5, 0.75, 0.5, 0.4}

// interactTask is what one protocol run needs in scope.
type interactTask struct {
	task    *crawler.FetchTask
	session crawler.Session
	hooks   *crawler.EventHooks
}

func (e *Emulator) browse(ctx context.Context, task *crawler.FetchTask, session crawler.Session) (crawler.ProtocolStatus, error) {
	it := &interactTask{task: task, session: session, hooks: e.hooksFor(task)}

	result, err := e.navigateAndInteract(ctx, it)
	if err != nil {
		return crawler.ProtocolStatus{}, err
	}
	page := task.Page
	if result.ActiveDOM != nil {
		page.ActiveDOM = result.ActiveDOM
	}

	if result.ProtocolStatus.IsSuccess() {
		source, err := session.PageSource(ctx)
		if err != nil {
			return crawler.ProtocolStatus{}, fmt.Errorf("page source: %w", err)
		}
		page.Content = []byte(source)

		e.interactAfterFetch(ctx, it)
	}

	if err := session.Stop(ctx); err != nil {
		return crawler.ProtocolStatus{}, fmt.Errorf("stop session: %w", err)
	}
	return result.ProtocolStatus, nil
}

func (e *Emulator) navigateAndInteract(ctx context.Context, it *interactTask) (*crawler.InteractResult, error) {
	task, session := it.task, it.session
	page := task.Page

	session.SetTimeouts(e.settings)
	metrics.IncNavigates()

	if err := e.checkState(ctx, it); err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("%w: session #%d is not active", crawler.ErrSessionClosed, session.ID())
	}

	e.runHook(ctx, it, crawler.HookBeforeNavigate)

	entry := crawler.NavigateEntry{Location: task.Location(), PageID: page.ID, PageURL: page.URL}
	e.logger.Debug("navigating",
		zap.Int64("page_id", page.ID),
		zap.Int64("session_id", session.ID()),
		zap.String("location", entry.Location),
	)
	page.NavigateTime = e.clock.Now()
	if err := session.NavigateTo(ctx, entry); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if inspector, ok := session.(crawler.ResponseInspector); ok {
		resp := inspector.LastResponse()
		if resp.Headers != nil {
			page.Headers = resp.Headers
		}
		if resp.ContentType != "" {
			page.ContentType = resp.ContentType
		}
	}

	e.runHook(ctx, it, crawler.HookAfterNavigate)

	result := crawler.NewInteractResult()
	if !session.SupportsScripting() {
		result.Phase = crawler.PhaseDone
		return result, nil
	}

	var err error
	if e.settings.EnableStartupScript {
		err = e.interact(ctx, it, result)
	} else {
		err = e.interactWithoutScript(ctx, it, result)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// interactWithoutScript waits for the page source to grow when no utility
// script is injected.
func (e *Emulator) interactWithoutScript(ctx context.Context, it *interactTask, result *crawler.InteractResult) error {
	result.Phase = crawler.PhaseDOMWait
	for i := 0; i < e.settings.MaxContentPollRounds && e.isActive(); i++ {
		if err := e.checkState(ctx, it); err != nil {
			return err
		}
		source, err := it.session.PageSource(ctx)
		if err != nil {
			return fmt.Errorf("poll page source: %w", err)
		}
		if len(source) >= e.settings.MinContentLength {
			break
		}
		if err := e.sleep(ctx, it, e.settings.ContentPollInterval); err != nil {
			return err
		}
	}
	result.Phase = crawler.PhaseDone
	return nil
}

func (e *Emulator) interact(ctx context.Context, it *interactTask, result *crawler.InteractResult) error {
	result.Phase = crawler.PhaseDOMWait
	e.runHook(ctx, it, crawler.HookBeforeCheckDOMState)

	if err := e.checkDOMState(ctx, it, result); err != nil {
		return err
	}
	if !result.State.IsContinue() {
		return nil
	}

	it.task.Page.DocumentReadyTime = e.clock.Now()
	e.runHook(ctx, it, crawler.HookAfterCheckDOMState)

	result.Phase = crawler.PhaseScrolling
	if err := e.scrollDown(ctx, it); err != nil {
		return err
	}

	result.Phase = crawler.PhaseFeatureCompute
	e.runHook(ctx, it, crawler.HookBeforeComputeFeature)
	if err := e.computeFeature(ctx, it, result); err != nil {
		return err
	}
	e.runHook(ctx, it, crawler.HookAfterComputeFeature)

	result.Phase = crawler.PhaseDone
	return nil
}

func (e *Emulator) checkDOMState(ctx context.Context, it *interactTask, result *crawler.InteractResult) error {
	maxRounds := e.settings.MaxDOMPollRounds()
	expr := fmt.Sprintf("%s.waitForReady(%d, %d)", crawler.UtilsNamespace, maxRounds, initialScroll)

	var (
		msg    any
		rounds int
		err    error
	)
	for isNullOrFalse(msg) && rounds < maxRounds && e.isActive() {
		rounds++
		msg, err = e.evaluate(ctx, it, expr)
		if err != nil {
			return err
		}
		if isNullOrFalse(msg) {
			if err := e.sleep(ctx, it, e.settings.PollInterval); err != nil {
				return err
			}
		}
	}

	text, isString := msg.(string)
	switch {
	case isNullOrFalse(msg):
		if err := e.checkState(ctx, it); err != nil {
			return err
		}
		if !it.session.IsActive() {
			return fmt.Errorf("%w: session #%d quit while waiting for the document", crawler.ErrSessionClosed, it.session.ID())
		}
		e.logger.Warn("document never became ready, retry with a new identity",
			zap.Int("rounds", rounds),
			zap.String("url", it.task.URL),
		)
		result.Break(crawler.Retry(crawler.RetryScopePrivacy))
	case isString && text == "timeout":
		e.logger.Debug("hit max rounds waiting for document",
			zap.Int("max_rounds", maxRounds),
			zap.String("url", it.task.URL),
		)
	case isString && strings.Contains(text, "chrome-error://"):
		browserErr := e.errorPages.HandleChromeErrorPage(text)
		result.ActiveDOM = browserErr.ActiveDOM
		result.Break(browserErr.Status)
	default:
		e.logger.Debug("document is ready",
			zap.Int("rounds", rounds),
			zap.String("url", it.task.URL),
		)
	}
	return nil
}

func (e *Emulator) scrollDown(ctx context.Context, it *interactTask) error {
	count := e.settings.ScrollCount + e.intn(3) - 1
	if count < 1 {
		count = 1
	}
	exprs := make([]string, 0, len(scrollPositions)+count)
	for _, pos := range scrollPositions {
		exprs = append(exprs, fmt.Sprintf("%s.scrollToMiddle(%g)", crawler.UtilsNamespace, pos))
	}
	for i := 0; i < count; i++ {
		exprs = append(exprs, crawler.UtilsNamespace+".scrollDown()")
	}

	for _, expr := range exprs {
		_, err := e.evaluate(ctx, it, expr)
		if err == nil {
			err = e.sleep(ctx, it, e.settings.ScrollInterval)
		}
		if err == nil {
			continue
		}
		switch crawler.Classify(err) {
		case crawler.KindCanceled, crawler.KindTimeout:
			return err
		default:
			e.logger.Debug("scroll interrupted", zap.String("url", it.task.URL), zap.Error(err))
			return nil
		}
	}
	return nil
}

func (e *Emulator) computeFeature(ctx context.Context, it *interactTask, result *crawler.InteractResult) error {
	msg, err := e.evaluate(ctx, it, crawler.UtilsNamespace+".compute()")
	if err != nil {
		return err
	}
	text, ok := msg.(string)
	if !ok {
		return nil
	}
	dom, err := crawler.ParseActiveDOMMessage(text)
	if err != nil {
		e.logger.Warn("malformed feature payload", zap.String("url", it.task.URL), zap.Error(err))
		return nil
	}
	result.ActiveDOM = dom
	if dom.Status != nil {
		e.logger.Debug("features computed",
			zap.Int64("page_id", it.task.Page.ID),
			zap.Int("n", dom.Status.N),
			zap.Int("scroll", dom.Status.Scroll),
			zap.String("url", it.task.URL),
		)
	}
	return nil
}

// interactAfterFetch clicks a random anchor the way a reader might. The first
// page views of a session always interact; later ones only occasionally.
func (e *Emulator) interactAfterFetch(ctx context.Context, it *interactTask) {
	if it.session.PageViews() > e.settings.FirstPageViews && e.intn(e.settings.InteractProbability) != 0 {
		return
	}
	anchors := it.task.Page.ActiveDOM.AnchorCount()
	if anchors < e.settings.MinInteractAnchors || anchors <= 0 {
		return
	}
	clickN := int(0.2*float64(anchors)) + e.intn(int(float64(anchors)*0.8))
	e.evaluateSilently(ctx, it, fmt.Sprintf("%s.clickNthAnchor(%d)", crawler.UtilsNamespace, clickN))
}

func isNullOrFalse(v any) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	return ok && !b
}
