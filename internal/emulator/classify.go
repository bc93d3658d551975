package emulator

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/metrics"
)

// classify converts a failure raised during browsing into a result. It never
// returns an error; the caller only inspects SessionRetired.
func (e *Emulator) classify(task *crawler.FetchTask, session crawler.Session, err error) crawler.FetchResult {
	kind := crawler.Classify(err)
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.Int64("session_id", session.ID()),
		zap.Stringer("kind", kind),
		zap.Error(err),
	}

	switch kind {
	case crawler.KindCanceled:
		e.logger.Debug("fetch canceled", fields...)
		return crawler.CanceledResult(task)

	case crawler.KindTransportFailure:
		e.logger.Warn("session transport failure", fields...)
		return crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, err), err)

	case crawler.KindSessionInvalid:
		e.logger.Warn("session is closed, retiring it", fields...)
		result := crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopePrivacy, err), err)
		e.retire(session, kind, &result)
		return result

	case crawler.KindSessionState:
		e.logger.Warn("session state is broken, retiring it", fields...)
		result := crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, err), err)
		e.retire(session, kind, &result)
		return result

	case crawler.KindTimeout:
		e.logger.Info("fetch timed out", fields...)
		return crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, err), err)

	case crawler.KindFatalPageSignature:
		browserErr := e.errorPages.HandleChromeErrorPage(err.Error())
		if browserErr.ActiveDOM != nil {
			task.Page.ActiveDOM = browserErr.ActiveDOM
		}
		e.logger.Warn("browser error page", append(fields, zap.String("code", browserErr.Code))...)
		return crawler.NewFetchResult(task, browserErr.Status, err)

	default:
		e.logger.Error("unexpected fetch failure", append(fields, zap.Stack("stack"))...)
		return crawler.NewFetchResult(task, crawler.RetryWithCause(crawler.RetryScopeCrawl, err), err)
	}
}

func (e *Emulator) retire(session crawler.Session, kind crawler.ErrorKind, result *crawler.FetchResult) {
	session.Retire()
	metrics.ObserveSessionRetired(kind.String())
	result.SessionRetired = true
}
