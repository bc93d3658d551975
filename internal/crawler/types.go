package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// UtilsNamespace is the global the in-page utility script installs itself as.
const UtilsNamespace = "__fetch_utils__"

// StatusCode is the coarse outcome of one fetch execution.
type StatusCode string

// Status codes carried by ProtocolStatus.
const (
	StatusCodeSuccess  StatusCode = "success"
	StatusCodeCanceled StatusCode = "canceled"
	StatusCodeRetry    StatusCode = "retry"
	StatusCodeFailed   StatusCode = "failed"
	StatusCodeNotFound StatusCode = "not_found"
)

// RetryScope tells the scheduler how a retryable failure should be retried.
type RetryScope string

// Retry scopes. CRAWL retries with the same identity, PRIVACY needs a fresh
// session/proxy because the current one is burned.
const (
	RetryScopeNone    RetryScope = ""
	RetryScopeCrawl   RetryScope = "CRAWL"
	RetryScopePrivacy RetryScope = "PRIVACY"
)

// ProtocolStatus records the outcome of a fetch.
type ProtocolStatus struct {
	Code    StatusCode `json:"code"`
	Scope   RetryScope `json:"scope,omitempty"`
	Message string     `json:"message,omitempty"`
	Cause   error      `json:"-"`
}

// StatusSuccess returns a success status.
func StatusSuccess() ProtocolStatus {
	return ProtocolStatus{Code: StatusCodeSuccess}
}

// StatusCanceled returns a canceled status.
func StatusCanceled() ProtocolStatus {
	return ProtocolStatus{Code: StatusCodeCanceled}
}

// Retry returns a retry status with the given scope.
func Retry(scope RetryScope) ProtocolStatus {
	return ProtocolStatus{Code: StatusCodeRetry, Scope: scope}
}

// RetryWithCause returns a retry status that preserves the triggering error.
func RetryWithCause(scope RetryScope, cause error) ProtocolStatus {
	st := Retry(scope)
	st.Cause = cause
	if cause != nil {
		st.Message = cause.Error()
	}
	return st
}

// Failed returns a terminal failure status.
func Failed(cause error) ProtocolStatus {
	st := ProtocolStatus{Code: StatusCodeFailed, Cause: cause}
	if cause != nil {
		st.Message = cause.Error()
	}
	return st
}

// IsSuccess reports whether the status is a success.
func (s ProtocolStatus) IsSuccess() bool { return s.Code == StatusCodeSuccess }

// IsCanceled reports whether the status is canceled.
func (s ProtocolStatus) IsCanceled() bool { return s.Code == StatusCodeCanceled }

// IsRetry reports whether the status asks for a retry.
func (s ProtocolStatus) IsRetry() bool { return s.Code == StatusCodeRetry }

func (s ProtocolStatus) String() string {
	if s.Scope != RetryScopeNone {
		return fmt.Sprintf("%s(%s)", s.Code, s.Scope)
	}
	return string(s.Code)
}

// FlowState tells the protocol whether remaining phases should run.
type FlowState int

// Flow states.
const (
	FlowContinue FlowState = iota
	FlowBreak
)

// IsContinue reports whether the next phase should run.
func (f FlowState) IsContinue() bool { return f == FlowContinue }

func (f FlowState) String() string {
	if f == FlowBreak {
		return "BREAK"
	}
	return "CONTINUE"
}

// Phase is a step of the browse protocol.
type Phase int

// Browse protocol phases.
const (
	PhaseNavigating Phase = iota
	PhaseDOMWait
	PhaseScrolling
	PhaseFeatureCompute
	PhaseDone
	PhaseCanceled
)

func (p Phase) String() string {
	switch p {
	case PhaseNavigating:
		return "NAVIGATING"
	case PhaseDOMWait:
		return "DOM_WAIT"
	case PhaseScrolling:
		return "SCROLLING"
	case PhaseFeatureCompute:
		return "FEATURE_COMPUTE"
	case PhaseDone:
		return "DONE"
	case PhaseCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// BrowserType names the kind of session that served a page.
type BrowserType string

// Known browser types.
const (
	BrowserChrome BrowserType = "chrome"
	BrowserNative BrowserType = "native"
	BrowserMock   BrowserType = "mock"
)

// Page is the mutable record a FetchTask carries. The emulator goroutine
// executing the task is its only writer.
type Page struct {
	ID                int64             `json:"id"`
	URL               string            `json:"url"`
	Href              string            `json:"href,omitempty"`
	IsResource        bool              `json:"is_resource"`
	Dead              bool              `json:"dead"`
	ProtocolStatus    ProtocolStatus    `json:"protocol_status"`
	Content           []byte            `json:"-"`
	ContentType       string            `json:"content_type,omitempty"`
	Headers           http.Header       `json:"headers,omitempty"`
	ActiveDOM         *ActiveDOMMessage `json:"active_dom,omitempty"`
	LastBrowser       BrowserType       `json:"last_browser,omitempty"`
	NavigateTime      time.Time         `json:"navigate_time"`
	DocumentReadyTime time.Time         `json:"document_ready_time"`
	FetchCount        int               `json:"fetch_count"`
}

// NavigateEntry is what a Session is asked to load.
type NavigateEntry struct {
	Location string
	PageID   int64
	PageURL  string
}

// InteractResult is the per-task transient outcome of the scripted phases.
type InteractResult struct {
	ProtocolStatus ProtocolStatus
	ActiveDOM      *ActiveDOMMessage
	State          FlowState
	Phase          Phase
}

// NewInteractResult starts a result in the success/continue state.
func NewInteractResult() *InteractResult {
	return &InteractResult{
		ProtocolStatus: StatusSuccess(),
		State:          FlowContinue,
		Phase:          PhaseNavigating,
	}
}

// Break stops the remaining phases with the given status.
func (r *InteractResult) Break(status ProtocolStatus) {
	r.ProtocolStatus = status
	r.State = FlowBreak
}

// ResourceResponse is the raw result of loading a resource without rendering.
type ResourceResponse struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	ContentType string
	Body        []byte
}

// EmulateSettings tunes the browse protocol.
type EmulateSettings struct {
	ScriptTimeout        time.Duration
	PageLoadTimeout      time.Duration
	ScrollCount          int
	ScrollInterval       time.Duration
	PollInterval         time.Duration
	EnableStartupScript  bool
	MinContentLength     int
	MaxContentPollRounds int
	ContentPollInterval  time.Duration
	MinInteractAnchors   int
	InteractProbability  int
	FirstPageViews       int
}

// DefaultEmulateSettings mirrors the production defaults.
func DefaultEmulateSettings() EmulateSettings {
	return EmulateSettings{
		ScriptTimeout:        60 * time.Second,
		PageLoadTimeout:      3 * time.Minute,
		ScrollCount:          10,
		ScrollInterval:       500 * time.Millisecond,
		PollInterval:         500 * time.Millisecond,
		EnableStartupScript:  true,
		MinContentLength:     20_000,
		MaxContentPollRounds: 45,
		ContentPollInterval:  time.Second,
		MinInteractAnchors:   10,
		InteractProbability:  10,
		FirstPageViews:       1,
	}
}

// MaxDOMPollRounds is the number of readiness polls allowed, leaving five
// seconds of the script budget for the last poll itself to finish.
func (s EmulateSettings) MaxDOMPollRounds() int {
	rounds := int(s.ScriptTimeout/time.Second) - 5
	if rounds < 0 {
		return 0
	}
	return rounds
}

// Identity is the network identity a session is configured with.
type Identity struct {
	Proxy     string `json:"proxy,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// IsDirect reports whether the identity uses no proxy.
func (i Identity) IsDirect() bool { return i.Proxy == "" }
