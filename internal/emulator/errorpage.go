package emulator

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// BrowserError is the classification of a browser-internal error page.
type BrowserError struct {
	Status    crawler.ProtocolStatus
	ActiveDOM *crawler.ActiveDOMMessage
	Code      string
}

// ErrorPageHandler classifies "chrome-error://" pages.
type ErrorPageHandler interface {
	HandleChromeErrorPage(message string) BrowserError
}

var netErrorCode = regexp.MustCompile(`ERR_[A-Z_]+`)

// Codes that point at the network identity rather than the target site.
var privacyCodePrefixes = []string{
	"ERR_PROXY",
	"ERR_TUNNEL",
	"ERR_CONNECTION",
	"ERR_SSL",
	"ERR_TIMED_OUT",
	"ERR_EMPTY_RESPONSE",
}

type defaultErrorPageHandler struct {
	logger *zap.Logger
}

// NewErrorPageHandler returns the handler used when none is configured.
func NewErrorPageHandler(logger *zap.Logger) ErrorPageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &defaultErrorPageHandler{logger: logger}
}

func (h *defaultErrorPageHandler) HandleChromeErrorPage(message string) BrowserError {
	code := netErrorCode.FindString(message)
	be := BrowserError{Code: code}

	if strings.HasPrefix(strings.TrimSpace(message), "{") {
		if dom, err := crawler.ParseActiveDOMMessage(message); err == nil {
			be.ActiveDOM = dom
		}
	}

	scope := crawler.RetryScopeCrawl
	for _, prefix := range privacyCodePrefixes {
		if code != "" && strings.HasPrefix(code, prefix) {
			scope = crawler.RetryScopePrivacy
			break
		}
	}
	be.Status = crawler.Retry(scope)
	be.Status.Message = "browser error page"
	if code != "" {
		be.Status.Message += " " + code
	}

	h.logger.Debug("classified browser error page",
		zap.String("code", code),
		zap.String("scope", string(scope)),
	)
	return be
}
